package relay

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// housekeeperTick is the cadence of the session-timeout sweep.
const housekeeperTick = 1 * time.Second

// Engine owns the session table and everything hanging off it. Control
// commands, the housekeeper and session removal all run under the engine
// lock; per-packet work only touches pair-level state.
type Engine struct {
	opts      Options
	logger    *slog.Logger
	alloc     *portAllocator
	startTime time.Time

	mu              sync.Mutex
	pairs           []*pair
	sessionsCreated uint64
	closed          bool

	// Retired totals keep aggregate counters monotonic after sessions die.
	retiredRcvd    uint64
	retiredRelayed uint64
	retiredDropped uint64
	retiredBytes   uint64

	housekeeperStop chan struct{}
	housekeeperDone chan struct{}
}

// New creates an engine and starts its housekeeper. Options are assumed
// validated by the configuration layer.
func New(opts Options) *Engine {
	e := &Engine{
		opts:            opts,
		logger:          opts.logger().With("subsystem", "relay"),
		startTime:       time.Now(),
		housekeeperStop: make(chan struct{}),
		housekeeperDone: make(chan struct{}),
	}
	e.alloc = newPortAllocator(&e.opts)

	go e.housekeeper()

	e.logger.Info("relay engine started",
		"max_ttl", opts.MaxTTL,
		"bridging", opts.Bridging,
		"dmode", opts.DMode,
	)
	return e
}

// Close tears down every session and stops the housekeeper. Outstanding
// media is not drained.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for len(e.pairs) > 0 {
		e.removePairLocked(e.pairs[0], "shutdown")
	}
	e.mu.Unlock()

	close(e.housekeeperStop)
	<-e.housekeeperDone
	e.logger.Info("relay engine stopped")
}

// housekeeper decrements session TTLs once per tick and reaps the expired.
func (e *Engine) housekeeper() {
	defer close(e.housekeeperDone)

	ticker := time.NewTicker(housekeeperTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.housekeeperStop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		for i := 0; i < len(e.pairs); {
			p := e.pairs[i]
			ttl := p.ttl.Load()
			switch {
			case ttl == 0:
				p.logger.Info("session timeout",
					"ports", fmt.Sprintf("%d/%d", p.rtp.ports[0], p.rtp.ports[1]))
				e.removePairLocked(p, "timeout")
			case ttl > 0:
				p.ttl.Store(ttl - 1)
				i++
			default:
				i++
			}
		}
		e.mu.Unlock()
	}
}

// removePairLocked destroys a session pair: sockets close (which stops the
// forwarder goroutines), players and recorders stop, counters are retired
// and the accounting sink is fed. Caller holds the engine lock.
func (e *Engine) removePairLocked(p *pair, reason string) {
	p.removed.Store(true)

	p.mu.Lock()
	players := p.players
	p.players = [2]*Player{}
	recorders := [2][2]*Recorder{p.rtp.recorders, p.rtcp.recorders}
	p.rtp.recorders = [2]*Recorder{}
	p.rtcp.recorders = [2]*Recorder{}
	p.mu.Unlock()

	for _, pl := range players {
		if pl != nil {
			pl.stop()
		}
	}
	for _, s := range []*stream{p.rtp, p.rtcp} {
		for side := 0; side < 2; side++ {
			if s.conns[side] != nil {
				s.conns[side].Close()
			}
		}
	}
	for _, rr := range recorders {
		for _, r := range rr {
			if r != nil {
				r.Close()
			}
		}
	}

	rtpC := p.rtp.snapshotCounters()
	rtcpC := p.rtcp.snapshotCounters()
	p.logger.Info("rtp stats",
		"rcvd_side0", rtpC[cntRcvd0], "rcvd_side1", rtpC[cntRcvd1],
		"relayed", rtpC[cntRelayed], "dropped", rtpC[cntDropped],
	)
	p.logger.Info("rtcp stats",
		"rcvd_side0", rtcpC[cntRcvd0], "rcvd_side1", rtcpC[cntRcvd1],
		"relayed", rtcpC[cntRelayed], "dropped", rtcpC[cntDropped],
	)
	p.logger.Info("session cleaned up",
		"ports", fmt.Sprintf("%d/%d", p.rtp.ports[0], p.rtp.ports[1]),
		"reason", reason,
	)

	for _, s := range []*stream{p.rtp, p.rtcp} {
		c := s.snapshotCounters()
		e.retiredRcvd += c[cntRcvd0] + c[cntRcvd1]
		e.retiredRelayed += c[cntRelayed]
		e.retiredDropped += c[cntDropped]
		e.retiredBytes += s.relayedBytes.Load()
	}

	for i, q := range e.pairs {
		if q == p {
			e.pairs = append(e.pairs[:i], e.pairs[i+1:]...)
			break
		}
	}

	if e.opts.Sink != nil {
		e.opts.Sink.LogSession(p.record(reason))
	}
}

// stopPlayer detaches and stops the player on a side, if any. Called under
// the engine lock; the pair mutex must not be held.
func (e *Engine) stopPlayer(p *pair, side int) bool {
	p.mu.Lock()
	pl := p.players[side]
	p.players[side] = nil
	p.mu.Unlock()
	if pl == nil {
		return false
	}
	pl.stop()
	p.logger.Info("stopping player", "port", p.rtp.ports[side])
	return true
}

// SessionInfo is one live session pair, as exposed by the I command and
// the status API.
type SessionInfo struct {
	CallID    string    `json:"call_id"`
	Tag       string    `json:"tag"`
	Ports     [2]int    `json:"ports"`
	Remotes   [2]string `json:"remotes"`
	Received  [2]uint64 `json:"received"`
	Relayed   uint64    `json:"relayed"`
	Dropped   uint64    `json:"dropped"`
	TTL       int64     `json:"ttl"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot returns the live session table.
func (e *Engine) Snapshot() []SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SessionInfo, 0, len(e.pairs))
	for _, p := range e.pairs {
		info := SessionInfo{
			CallID:    p.callID,
			Tag:       p.tag,
			Ports:     p.rtp.ports,
			TTL:       p.ttl.Load(),
			Complete:  p.complete.Load(),
			CreatedAt: p.createdAt,
		}
		c := p.rtp.snapshotCounters()
		info.Received = [2]uint64{c[cntRcvd0], c[cntRcvd1]}
		info.Relayed = c[cntRelayed]
		info.Dropped = c[cntDropped]
		p.mu.Lock()
		for i := 0; i < 2; i++ {
			if a := p.rtp.remote[i]; a != nil {
				info.Remotes[i] = a.String()
			}
		}
		p.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// Stats providers for the metrics collector and the status API.

func (e *Engine) ActiveSessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairs)
}

func (e *Engine) SessionsCreated() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionsCreated
}

func (e *Engine) AggregatePacketsForwarded() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.retiredRelayed
	for _, p := range e.pairs {
		total += p.rtp.counters[cntRelayed].Load() + p.rtcp.counters[cntRelayed].Load()
	}
	return total
}

func (e *Engine) AggregatePacketsDropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.retiredDropped
	for _, p := range e.pairs {
		total += p.rtp.counters[cntDropped].Load() + p.rtcp.counters[cntDropped].Load()
	}
	return total
}

func (e *Engine) AggregateBytesForwarded() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.retiredBytes
	for _, p := range e.pairs {
		total += p.rtp.relayedBytes.Load() + p.rtcp.relayedBytes.Load()
	}
	return total
}

func (e *Engine) PortPairsInUse() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	used := 0
	for _, p := range e.pairs {
		for side := 0; side < 2; side++ {
			if p.rtp.conns[side] != nil {
				used++
			}
		}
	}
	return used
}

func (e *Engine) PortPairCapacity() int {
	return e.alloc.capacity()
}

func (e *Engine) StartTime() time.Time {
	return e.startTime
}

// bindSideAddr renders a side's local bind address for command replies;
// empty for wildcard binds.
func (e *Engine) bindSideAddr(p *pair, side int) (addr string, ipv6 bool) {
	ip := e.opts.BindAddrs[p.ifIndex[side]]
	if ip == nil || ip.IsUnspecified() {
		return "", false
	}
	return ip.String(), ip.To4() == nil
}

// infoChunks renders the I command output: a summary header plus one line
// per stream, flushed in bounded chunks. Line boundaries are not preserved
// across chunks.
func (e *Engine) infoChunks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var chunks []string
	var b strings.Builder
	fmt.Fprintf(&b, "sessions created: %d\nactive sessions: %d\n",
		e.sessionsCreated, len(e.pairs))

	for _, p := range e.pairs {
		p.mu.Lock()
		for _, s := range []*stream{p.rtp, p.rtcp} {
			prefix := "\t"
			if s.rtcp {
				prefix = "\tC "
			}
			c := s.snapshotCounters()
			fmt.Fprintf(&b, "%s%s/%s: caller = %s/%s, callee = %s/%s, stats = %d/%d/%d/%d, ttl = %d\n",
				prefix, p.callID, p.tag,
				sideAddrString(e, p, s, 0), remoteString(s.remote[0]),
				sideAddrString(e, p, s, 1), remoteString(s.remote[1]),
				c[cntRcvd0], c[cntRcvd1], c[cntRelayed], c[cntDropped],
				p.ttl.Load(),
			)
		}
		p.mu.Unlock()

		if b.Len()+512 > maxCommandSize {
			chunks = append(chunks, b.String())
			b.Reset()
		}
	}

	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

func sideAddrString(e *Engine, p *pair, s *stream, side int) string {
	host, _ := e.bindSideAddr(p, side)
	if host == "" {
		host = "*"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.ports[side]))
}

func remoteString(a *net.UDPAddr) string {
	if a == nil {
		return "NONE"
	}
	return a.String()
}
