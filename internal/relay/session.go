package relay

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Packet counter slots, shared by streams and the I command output.
const (
	cntRcvd0   = 0 // packets accepted on side 0
	cntRcvd1   = 1 // packets accepted on side 1
	cntRelayed = 2
	cntDropped = 3
)

// stream is one half of a session pair: either the RTP stream or its RTCP
// twin. The two are structurally identical; each knows the other through
// the owning pair.
//
// Mutable addressing state (remote, canUpdate, asymmetric, recorders) is
// guarded by the pair mutex. Counters are atomic so the forwarder
// goroutines never contend on the lock for the happy path.
type stream struct {
	pair *pair
	rtcp bool

	conns [2]*net.UDPConn // nil until the side is bound
	ports [2]int

	// remote is the learned or signaled peer address per side; nil while
	// unknown. This is what the relay sends to.
	remote [2]*net.UDPAddr

	// asymmetric disables source-port verification for a side.
	asymmetric [2]bool

	// canUpdate arms the one-shot address learning guard: while armed, the
	// next mismatched inbound source replaces the recorded address. Any
	// learn or byte-equal confirmation disarms it; a (re)offer re-arms it
	// to the inverse of asymmetric.
	canUpdate [2]bool

	counters     [4]atomic.Uint64
	relayedBytes atomic.Uint64

	recorders [2]*Recorder
}

func (s *stream) kind() string {
	if s.rtcp {
		return "RTCP"
	}
	return "RTP"
}

// twin returns the other stream of the pair.
func (s *stream) twin() *stream {
	if s.rtcp {
		return s.pair.rtp
	}
	return s.pair.rtcp
}

// snapshotCounters returns the four counter slots.
func (s *stream) snapshotCounters() [4]uint64 {
	var c [4]uint64
	for i := range c {
		c[i] = s.counters[i].Load()
	}
	return c
}

// pair is one relayed media stream of a call: an RTP stream plus its RTCP
// twin, two sides each. Pairs are owned by the engine; all lifecycle
// transitions happen under the engine lock, addressing state under the
// pair mutex.
type pair struct {
	engine *Engine
	logger *slog.Logger

	callID string
	// tag is the endpoint tag recorded at creation, optionally suffixed
	// ";<medianum>" by the signaling server for multi-stream calls.
	tag string

	rtp  *stream
	rtcp *stream

	// ifIndex selects the bind interface per side, fixed at creation from
	// the E/I command modifiers.
	ifIndex [2]int

	// Hold references: the pair lives while strong or either weak side
	// reference is set. Guarded by the engine lock.
	strong bool
	weak   [2]bool

	// ttl counts down once per housekeeper tick; -1 disables the check
	// while traffic keeps refreshing it. The RTCP twin is never timed,
	// only the pair.
	ttl atomic.Int64

	// complete flips once both sides have bound sockets; forwarding only
	// starts then.
	complete atomic.Bool

	removed atomic.Bool

	createdAt time.Time

	mu       sync.Mutex
	players  [2]*Player
	resizers [2]*resizer

	readersStarted bool
}

func newPair(e *Engine, callID, tag string, ifIndex [2]int) *pair {
	p := &pair{
		engine:    e,
		logger:    e.logger.With("call_id", callID),
		callID:    callID,
		tag:       tag,
		ifIndex:   ifIndex,
		createdAt: time.Now(),
	}
	p.rtp = &stream{pair: p}
	p.rtcp = &stream{pair: p, rtcp: true}
	p.ttl.Store(int64(e.opts.MaxTTL))
	return p
}

// bindSide installs an allocated socket pair on one side of both streams.
// Called under the engine lock.
func (p *pair) bindSide(side int, sp *SocketPair) {
	p.rtp.conns[side] = sp.RTPConn
	p.rtp.ports[side] = sp.Port
	p.rtcp.conns[side] = sp.RTCPConn
	p.rtcp.ports[side] = sp.Port + 1
	if p.rtp.conns[0] != nil && p.rtp.conns[1] != nil {
		p.complete.Store(true)
	}
}

// refreshTTL restarts the session timer.
func (p *pair) refreshTTL() {
	p.ttl.Store(int64(p.engine.opts.MaxTTL))
}

// held reports whether any hold reference keeps the pair alive.
// Called under the engine lock.
func (p *pair) held() bool {
	return p.strong || p.weak[0] || p.weak[1]
}

// player returns the active player for a side, if any.
func (p *pair) player(side int) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.players[side]
}

// resizer returns the resizer for a side when repacketization is enabled
// there.
func (p *pair) resizer(side int) *resizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.resizers[side]; r != nil && r.enabled() {
		return r
	}
	return nil
}

// setResizeSamples installs, retargets or disables repacketization on a
// side. Disabling releases any buffered tail into the stream unchanged.
func (p *pair) setResizeSamples(side, samples int) {
	p.mu.Lock()
	r := p.resizers[side]
	if r == nil {
		if samples <= 0 {
			p.mu.Unlock()
			return
		}
		r = newResizer()
		p.resizers[side] = r
	}
	p.mu.Unlock()

	changed := r.setOutput(samples)
	switch {
	case samples > 0 && changed:
		p.logger.Info("rtp repacketization enabled",
			"side", side, "frame_ms", samples/samplesPerMs)
	case samples <= 0 && changed:
		pending := r.drain()
		p.logger.Info("rtp repacketization disabled", "side", side)
		for _, pkt := range pending {
			p.engine.sendPacket(p, p.rtp, side, pkt)
		}
	}
}

// authenticate validates an inbound packet source against the learning
// state machine for (stream, side) and updates it. It reports whether the
// packet is accepted.
func (p *pair) authenticate(s *stream, side int, src *net.UDPAddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := s.remote[side]
	if cur == nil {
		p.learnLocked(s, side, src, "filled in")
		return true
	}

	if s.asymmetric[side] {
		// Asymmetric clients may roam source ports; only the host is
		// verified and the address is never rewritten.
		return cur.IP.Equal(src.IP)
	}

	if cur.IP.Equal(src.IP) && cur.Port == src.Port {
		// The signaled address is confirmed by traffic; later movers must
		// not hijack the stream.
		s.canUpdate[side] = false
		return true
	}

	if s.canUpdate[side] {
		p.learnLocked(s, side, src, "updated")
		return true
	}
	return false
}

// learnLocked records src as the side's peer and opportunistically infers
// the RTCP twin's peer as host:port+1. The inference is lossy for NATs
// that allocate non-adjacent pinholes. Caller holds p.mu.
func (p *pair) learnLocked(s *stream, side int, src *net.UDPAddr, how string) {
	s.remote[side] = cloneUDPAddr(src)
	s.canUpdate[side] = false

	p.logger.Info("remote address "+how,
		"side", side,
		"addr", src.String(),
		"stream", s.kind(),
	)

	if s.rtcp {
		return
	}
	t := p.rtcp
	if t.remote[side] != nil && t.remote[side].IP.Equal(src.IP) {
		return
	}
	guess := cloneUDPAddr(src)
	guess.Port = src.Port + 1
	t.remote[side] = guess
	t.canUpdate[side] = !t.asymmetric[side]
	p.logger.Info("guessing rtcp port",
		"side", side,
		"addr", guess.String(),
	)
}

// prefill applies a signaled address from a U or L command to a side: the
// RTP peer is replaced when the resolved address differs, the RTCP twin is
// pointed at the adjacent port, and the learning guard is re-armed.
// Called with the engine lock held.
func (p *pair) prefill(side int, addr *net.UDPAddr, asymmetric bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr != nil {
		if !udpAddrEqual(p.rtp.remote[side], addr) {
			p.logger.Info("pre-filling remote address",
				"side", side,
				"addr", addr.String(),
			)
			p.rtp.remote[side] = cloneUDPAddr(addr)
		}
		rtcpAddr := cloneUDPAddr(addr)
		rtcpAddr.Port = addr.Port + 1
		if !udpAddrEqual(p.rtcp.remote[side], rtcpAddr) {
			p.rtcp.remote[side] = rtcpAddr
		}
	}

	p.rtp.asymmetric[side] = asymmetric
	p.rtcp.asymmetric[side] = asymmetric
	p.rtp.canUpdate[side] = !asymmetric
	p.rtcp.canUpdate[side] = !asymmetric
}

// record returns a finished-session accounting record. Called under the
// engine lock during removal.
func (p *pair) record(reason string) SessionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := SessionRecord{
		CallID:    p.callID,
		Tag:       p.tag,
		CreatedAt: p.createdAt.Unix(),
		EndedAt:   time.Now().Unix(),
		Ports:     p.rtp.ports,
		Relayed:   p.rtp.counters[cntRelayed].Load(),
		Dropped:   p.rtp.counters[cntDropped].Load(),
		EndReason: reason,
	}
	rec.Received[0] = p.rtp.counters[cntRcvd0].Load()
	rec.Received[1] = p.rtp.counters[cntRcvd1].Load()
	for i := 0; i < 2; i++ {
		if a := p.rtp.remote[i]; a != nil {
			rec.Remotes[i] = a.String()
		}
	}
	return rec
}

func cloneUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
