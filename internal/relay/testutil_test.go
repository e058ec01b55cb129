package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine bound to loopback over a private port
// range. Each test gets its own range so parallel packages never collide.
func newTestEngine(t *testing.T, portMin, portMax int, mutate func(*Options)) *Engine {
	t.Helper()

	opts := Options{
		BindAddrs: [2]net.IP{net.IPv4(127, 0, 0, 1)},
		PortMin:   portMin,
		PortMax:   portMax,
		MaxTTL:    60,
		Logger:    testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(opts)
	t.Cleanup(e.Close)
	return e
}

// oneReply runs a command expected to produce exactly one reply chunk.
func oneReply(t *testing.T, e *Engine, cmd string) string {
	t.Helper()
	chunks := e.HandleCommand(cmd)
	if len(chunks) != 1 {
		t.Fatalf("command %q: got %d reply chunks, want 1: %v", cmd, len(chunks), chunks)
	}
	return chunks[0]
}

// replyPort parses the local port out of a U/L reply.
func replyPort(t *testing.T, reply string) int {
	t.Helper()
	fields := strings.Fields(reply)
	if len(fields) < 1 {
		t.Fatalf("empty command reply")
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		t.Fatalf("reply %q does not start with a port: %v", reply, err)
	}
	return port
}

// udpSock binds a loopback UDP socket for test traffic.
func udpSock(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding test socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sockPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// sendTo fires one datagram at a loopback port.
func sendTo(t *testing.T, conn *net.UDPConn, port int, payload []byte) {
	t.Helper()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		t.Fatalf("sending test packet: %v", err)
	}
}

// recvFrom waits for one datagram, returning payload and source.
func recvFrom(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, src, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, src, nil
}

// rtpPayloadPacket builds a minimal valid RTP packet for relay tests.
func rtpPayloadPacket(pt byte, seq uint16, ts uint32, payload []byte) []byte {
	hdr := []byte{
		0x80, pt & 0x7F,
		byte(seq >> 8), byte(seq),
		byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts),
		0x00, 0x00, 0x00, 0x01,
	}
	return append(hdr, payload...)
}

// offerCmd formats a U/L command line against a loopback socket.
func offerCmd(verb, callID string, port int, tags ...string) string {
	return fmt.Sprintf("%s %s 127.0.0.1 %d %s", verb, callID, port, strings.Join(tags, " "))
}
