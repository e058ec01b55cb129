package relay

import (
	"errors"
	"net"
	"os"
	"time"
)

// startReaders launches one forwarder goroutine per bound socket of the
// pair. Called under the engine lock, once, when the pair completes.
func (e *Engine) startReaders(p *pair) {
	if p.readersStarted {
		return
	}
	p.readersStarted = true
	for _, s := range []*stream{p.rtp, p.rtcp} {
		for side := 0; side < 2; side++ {
			if s.conns[side] != nil {
				go e.readLoop(p, s, side)
			}
		}
	}
}

// readLoop receives datagrams on one socket, authenticates their source,
// and hands them on toward the other side. It exits when the socket is
// closed by session removal.
//
// Reads run under a short deadline so a side with an active resizer keeps
// flushing buffered output even while its peer has gone quiet.
func (e *Engine) readLoop(p *pair, s *stream, side int) {
	conn := s.conns[side]
	buf := make([]byte, maxPacketSize)

	for {
		deadline := readIdleTimeout * time.Millisecond
		conn.SetReadDeadline(time.Now().Add(deadline))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				e.flushResizer(p, s, side)
				continue
			}
			if p.removed.Load() {
				return
			}
			p.logger.Debug("media read error",
				"stream", s.kind(),
				"side", side,
				"error", err,
			)
			continue
		}

		pkt := buf[:n]

		if !p.authenticate(s, side, src) {
			// Unauthentic source; the packet never existed as far as the
			// counters are concerned.
			continue
		}

		switch side {
		case 0:
			s.counters[cntRcvd0].Add(1)
		case 1:
			s.counters[cntRcvd1].Add(1)
		}

		if !s.rtcp {
			if r := p.resizer(side); r != nil && r.enqueue(pkt) {
				e.flushResizer(p, s, side)
				continue
			}
		}
		e.sendPacket(p, s, side, pkt)
	}
}

// flushResizer forwards every packet the side's resizer has completed.
func (e *Engine) flushResizer(p *pair, s *stream, side int) {
	r := p.resizer(side)
	if r == nil {
		return
	}
	for {
		pkt := r.get(time.Now())
		if pkt == nil {
			return
		}
		e.sendPacket(p, s, side, pkt)
	}
}

// sendPacket forwards a packet accepted on (s, ridx) to the opposite side.
// The destination is the other side's learned remote address; the packet is
// dropped when that is still unknown or when a prompt player owns the
// outbound stream there. Double-mode duplicates small payloads. The
// receive-side recorder taps the packet unless a player covers that side.
func (e *Engine) sendPacket(p *pair, s *stream, ridx int, pkt []byte) {
	p.refreshTTL()

	sidx := 1 - ridx

	p.mu.Lock()
	dst := s.remote[sidx]
	conn := s.conns[sidx]
	playerOut := p.players[sidx] != nil
	playerIn := p.players[ridx] != nil
	rec := s.recorders[ridx]
	p.mu.Unlock()

	if dst == nil || conn == nil || playerOut {
		s.counters[cntDropped].Add(1)
	} else {
		s.counters[cntRelayed].Add(1)
		s.relayedBytes.Add(uint64(len(pkt)))
		times := 1
		if e.opts.DMode && len(pkt) < lowBitrateThreshold {
			times = 2
		}
		for i := 0; i < times; i++ {
			if _, err := conn.WriteToUDP(pkt, dst); err != nil {
				p.logger.Debug("media write error",
					"stream", s.kind(),
					"side", sidx,
					"error", err,
				)
				break
			}
		}
	}

	if rec != nil && !playerIn {
		rec.Write(pkt)
	}
}
