package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
)

// ErrNoPorts is returned when the allocator has probed the whole configured
// range without finding a bindable even/odd pair.
var ErrNoPorts = errors.New("no media ports available")

// SocketPair holds the bound UDP sockets of one RTP/RTCP port pair.
type SocketPair struct {
	Port     int // RTP port; RTCP is Port+1
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both sockets.
func (sp *SocketPair) Close() {
	if sp.RTPConn != nil {
		sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		sp.RTCPConn.Close()
	}
}

// portAllocator vends even/odd UDP port pairs from the configured range.
// It keeps an independent next-port cursor per bind interface so bridged
// deployments spread allocations across both interfaces evenly.
type portAllocator struct {
	bindAddrs [2]net.IP
	portMin   int
	portMax   int
	tos       int
	logger    *slog.Logger

	next [2]int
}

func newPortAllocator(opts *Options) *portAllocator {
	a := &portAllocator{
		bindAddrs: opts.BindAddrs,
		portMin:   opts.PortMin,
		portMax:   opts.PortMax,
		tos:       opts.TOS,
		logger:    opts.logger().With("subsystem", "port-allocator"),
	}
	a.next[0], a.next[1] = a.portMin, a.portMin
	a.logger.Info("media port allocator initialized",
		"port_min", a.portMin,
		"port_max", a.portMax,
		"capacity", a.capacity(),
	)
	return a
}

func (a *portAllocator) capacity() int {
	return (a.portMax - a.portMin + 2) / 2
}

// allocate binds an RTP+RTCP socket pair on the given interface. The probe
// starts at the interface cursor and walks even ports, wrapping from
// portMax back to portMin, until a pair binds or the cursor has made a
// full revolution. Ports held by other processes are skipped; any bind
// failure other than address-in-use or permission aborts immediately.
//
// Callers must hold the engine lock; the cursors are not otherwise guarded.
func (a *portAllocator) allocate(ifIndex int) (*SocketPair, error) {
	start := a.next[ifIndex]
	if start < a.portMin || start > a.portMax {
		start = a.portMin
	}

	port := start
	for {
		pair, err := a.bindPair(a.bindAddrs[ifIndex], port)
		if err == nil {
			a.next[ifIndex] = port + 2
			if a.next[ifIndex] > a.portMax {
				a.next[ifIndex] = a.portMin
			}
			return pair, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) && !errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("binding media port pair %d/%d: %w", port, port+1, err)
		}

		port += 2
		if port > a.portMax {
			port = a.portMin
		}
		if port == start {
			break
		}
	}

	a.logger.Warn("media port range exhausted",
		"port_min", a.portMin,
		"port_max", a.portMax,
	)
	return nil, ErrNoPorts
}

// bindPair binds the even RTP port and its odd RTCP companion on addr.
// Both sockets carry the configured ToS mark.
func (a *portAllocator) bindPair(addr net.IP, rtpPort int) (*SocketPair, error) {
	rtpConn, err := a.listen(addr, rtpPort)
	if err != nil {
		return nil, err
	}
	rtcpConn, err := a.listen(addr, rtpPort+1)
	if err != nil {
		rtpConn.Close()
		return nil, err
	}
	return &SocketPair{Port: rtpPort, RTPConn: rtpConn, RTCPConn: rtcpConn}, nil
}

func (a *portAllocator) listen(addr net.IP, port int) (*net.UDPConn, error) {
	network := "udp4"
	if addr != nil && addr.To4() == nil {
		network = "udp6"
	}

	lc := net.ListenConfig{}
	if a.tos > 0 && network == "udp4" {
		tos := a.tos
		logger := a.logger
		lc.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
					logger.Warn("unable to set socket tos", "tos", tos, "error", err)
				}
			})
		}
	}

	laddr := &net.UDPAddr{IP: addr, Port: port}
	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
