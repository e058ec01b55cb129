// Package control implements the control-channel transports of the relay:
// a stream listener on a filesystem socket carrying one command per
// accepted connection, and a datagram listener carrying one command per
// datagram with a leading cookie echoed on every reply.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// maxCommandSize bounds one inbound command and one reply chunk.
const maxCommandSize = 8 * 1024

// Handler executes one control command and returns the reply chunks.
// Implementations must return at least one chunk per command; chunks
// carry their trailing newline.
type Handler interface {
	HandleCommand(line string) []string
}

// Mode selects the control transport.
type Mode int

const (
	ModeUnix Mode = iota // SOCK_STREAM on a filesystem path
	ModeUDP              // datagrams with cookies, IPv4
	ModeUDP6             // datagrams with cookies, IPv6
)

// ParseSpec splits a control-socket specification of the form
// "unix:PATH", "udp:HOST:PORT" or "udp6:HOST:PORT". A bare path means
// unix. An omitted UDP port falls back to the default control port.
func ParseSpec(spec string) (Mode, string, error) {
	switch {
	case strings.HasPrefix(spec, "unix:"):
		return ModeUnix, spec[len("unix:"):], nil
	case strings.HasPrefix(spec, "udp:"):
		return ModeUDP, withDefaultPort(spec[len("udp:"):]), nil
	case strings.HasPrefix(spec, "udp6:"):
		return ModeUDP6, withDefaultPort(spec[len("udp6:"):]), nil
	default:
		return ModeUnix, spec, nil
	}
}

// defaultControlPort is used when a udp/udp6 spec omits the port.
const defaultControlPort = "22222"

func withDefaultPort(hostport string) string {
	if _, port, err := net.SplitHostPort(hostport); err == nil && port != "" {
		return hostport
	}
	host := strings.TrimSuffix(hostport, ":")
	return net.JoinHostPort(strings.Trim(host, "[]"), defaultControlPort)
}

// Server accepts control commands from the signaling server and feeds them
// to the handler one at a time.
type Server struct {
	mode    Mode
	addr    string
	handler Handler
	logger  *slog.Logger

	ln   net.Listener
	conn *net.UDPConn

	done chan struct{}
}

// Listen binds the control channel described by spec.
func Listen(spec string, handler Handler, logger *slog.Logger) (*Server, error) {
	mode, addr, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	s := &Server{
		mode:    mode,
		addr:    addr,
		handler: handler,
		logger:  logger.With("subsystem", "control"),
		done:    make(chan struct{}),
	}

	switch mode {
	case ModeUnix:
		// A previous instance may have left the socket node behind.
		os.Remove(addr)
		s.ln, err = net.Listen("unix", addr)
		if err != nil {
			return nil, fmt.Errorf("listening on control socket %q: %w", addr, err)
		}
	case ModeUDP, ModeUDP6:
		network := "udp4"
		if mode == ModeUDP6 {
			network = "udp6"
		}
		uaddr, rerr := net.ResolveUDPAddr(network, addr)
		if rerr != nil {
			return nil, fmt.Errorf("resolving control address %q: %w", addr, rerr)
		}
		s.conn, err = net.ListenUDP(network, uaddr)
		if err != nil {
			return nil, fmt.Errorf("listening on control address %q: %w", addr, err)
		}
	}

	s.logger.Info("control channel listening", "mode", s.modeString(), "addr", addr)
	return s, nil
}

func (s *Server) modeString() string {
	switch s.mode {
	case ModeUDP:
		return "udp"
	case ModeUDP6:
		return "udp6"
	default:
		return "unix"
	}
}

// Addr returns the bound control address (the socket path in unix mode).
func (s *Server) Addr() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.addr
}

// Serve runs the accept/receive loop until Close.
func (s *Server) Serve() {
	defer close(s.done)
	if s.mode == ModeUnix {
		s.serveStream()
		return
	}
	s.serveDatagram()
}

// Close stops the server and removes the unix socket node.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	<-s.done
	if s.mode == ModeUnix {
		os.Remove(s.addr)
	}
}

// serveStream handles one command per accepted connection: a single read
// frames the command, the reply is written back and the connection closed.
func (s *Server) serveStream() {
	buf := make([]byte, maxCommandSize)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("can't accept connection on control socket", "error", err)
			continue
		}

		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			s.logger.Error("can't read from control socket", "error", err)
			conn.Close()
			continue
		}

		for _, chunk := range s.handler.HandleCommand(string(buf[:n])) {
			if _, err := conn.Write([]byte(chunk)); err != nil {
				s.logger.Error("can't write to control socket", "error", err)
				break
			}
		}
		conn.Close()
	}
}

// serveDatagram handles one command per datagram. The first token is an
// opaque cookie the caller uses to match replies to requests; it is echoed
// in front of every reply chunk.
func (s *Server) serveDatagram() {
	buf := make([]byte, maxCommandSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("can't read from control socket", "error", err)
			continue
		}

		cookie, rest, ok := splitCookie(string(buf[:n]))
		if !ok {
			// No cookie means no way to route the reply; the error still
			// goes back so the caller is never left waiting.
			s.logger.Error("command syntax error", "reason", "missing cookie")
			s.send(src, "E0\n")
			continue
		}

		for _, chunk := range s.handler.HandleCommand(rest) {
			s.send(src, cookie+" "+chunk)
		}
	}
}

func (s *Server) send(dst *net.UDPAddr, reply string) {
	if _, err := s.conn.WriteToUDP([]byte(reply), dst); err != nil {
		s.logger.Error("can't write to control socket", "error", err)
	}
}

// splitCookie peels the leading cookie token off a datagram command.
func splitCookie(line string) (cookie, rest string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t\r\n")
	if trimmed == "" {
		return "", "", false
	}
	i := strings.IndexAny(trimmed, " \t\r\n")
	if i < 0 {
		// A cookie with no command after it; report syntax through the
		// normal path with an empty command.
		return trimmed, "", true
	}
	return trimmed[:i], trimmed[i:], true
}
