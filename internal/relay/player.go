package relay

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// promptFrameSamples is the payload of one prompt packet: 20 ms of
	// 8 kHz G.711, one byte per sample.
	promptFrameSamples = 160

	// promptFrameDuration is the wall-clock spacing of prompt packets.
	promptFrameDuration = 20 * time.Millisecond

	// playerTick is how often a player checks for due packets. Overdue
	// packets are sent in a burst, so playback stays on the wall-clock
	// timeline even after a stall.
	playerTick = 10 * time.Millisecond
)

// G.711 silence values, used to pad the tail frame of a prompt.
var (
	ulawSilence = g711.EncodeUlawFrame(0)
	alawSilence = g711.EncodeAlawFrame(0)
)

// Player streams a stored prompt as synthetic RTP into one side of a call
// for a bounded number of repetitions. While a player owns a side, the
// forwarder drops relayed packets destined there; the player is the sole
// source of that outbound stream.
type Player struct {
	pair   *pair
	side   int
	logger *slog.Logger

	payloadType uint8
	data        []byte
	reps        int

	ssrc uint32
	seq  uint16
	ts   uint32

	cancel chan struct{}
	done   chan struct{}
}

// loadPrompt reads the raw G.711 payload of a prompt. The codec-suffixed
// file is preferred so one prompt name can carry several encodings.
func loadPrompt(name string, codec int) ([]byte, error) {
	data, err := os.ReadFile(name + "." + strconv.Itoa(codec))
	if err == nil {
		return data, nil
	}
	return os.ReadFile(name)
}

// newPlayer creates a player for the prompt file and codec. Only G.711
// payload types are playable.
func newPlayer(p *pair, side int, name string, codec, reps int) (*Player, error) {
	if !resizable(uint8(codec)) {
		return nil, fmt.Errorf("codec %d is not playable", codec)
	}
	data, err := loadPrompt(name, codec)
	if err != nil {
		return nil, fmt.Errorf("opening prompt %q: %w", name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("prompt %q is empty", name)
	}
	if reps < 1 {
		reps = 1
	}

	return &Player{
		pair:        p,
		side:        side,
		logger:      p.logger.With("subsystem", "prompt-player", "prompt", name, "side", side),
		payloadType: uint8(codec),
		data:        data,
		reps:        reps,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.UintN(1 << 16)),
		ts:          rand.Uint32(),
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (pl *Player) start() {
	pl.logger.Info("playing prompt",
		"codec", pl.payloadType,
		"times", pl.reps,
		"bytes", len(pl.data),
	)
	go pl.run()
}

// stop terminates playback and waits for the goroutine to exit. Must not
// be called with the pair mutex held.
func (pl *Player) stop() {
	select {
	case <-pl.cancel:
	default:
		close(pl.cancel)
	}
	<-pl.done
}

func (pl *Player) run() {
	defer close(pl.done)

	perRep := (len(pl.data) + promptFrameSamples - 1) / promptFrameSamples
	total := perRep * pl.reps
	start := time.Now()
	sent := 0

	ticker := time.NewTicker(playerTick)
	defer ticker.Stop()

	frame := make([]byte, promptFrameSamples)

	for {
		select {
		case <-pl.cancel:
			return
		case <-ticker.C:
		}

		due := int(time.Since(start) / promptFrameDuration)
		if due > total {
			due = total
		}

		for sent < due {
			pl.pair.mu.Lock()
			conn := pl.pair.rtp.conns[pl.side]
			dst := pl.pair.rtp.remote[pl.side]
			pl.pair.mu.Unlock()
			if conn == nil || dst == nil {
				// Destination not learned yet; time keeps running and the
				// backlog goes out in a burst once it is.
				break
			}

			pl.fillFrame(frame, sent%perRep)
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         sent == 0,
					PayloadType:    pl.payloadType,
					SequenceNumber: pl.seq,
					Timestamp:      pl.ts,
					SSRC:           pl.ssrc,
				},
				Payload: frame,
			}
			raw, err := pkt.Marshal()
			if err != nil {
				pl.logger.Error("prompt packet marshal failed", "error", err)
				return
			}

			times := 1
			if pl.pair.engine.opts.DMode && len(raw) < lowBitrateThreshold {
				times = 2
			}
			for i := 0; i < times; i++ {
				conn.WriteToUDP(raw, dst)
			}

			sent++
			pl.seq++
			pl.ts += promptFrameSamples
		}

		if sent >= total {
			pl.pair.playerFinished(pl.side, pl)
			return
		}
	}
}

// fillFrame copies the idx-th frame of the prompt into buf, padding a
// short tail with codec silence.
func (pl *Player) fillFrame(buf []byte, idx int) {
	off := idx * promptFrameSamples
	n := copy(buf, pl.data[off:min(off+promptFrameSamples, len(pl.data))])

	silence := ulawSilence
	if pl.payloadType == 8 {
		silence = alawSilence
	}
	for i := n; i < len(buf); i++ {
		buf[i] = silence
	}
}

// playerFinished detaches a player that reached end of stream.
func (p *pair) playerFinished(side int, pl *Player) {
	p.mu.Lock()
	if p.players[side] == pl {
		p.players[side] = nil
	}
	p.mu.Unlock()
	pl.logger.Info("prompt playback finished")
}
