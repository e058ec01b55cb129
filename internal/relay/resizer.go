package relay

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// resizerMaxBuffer bounds queued audio to half a second; anything
	// beyond that is a stalled stream, not jitter.
	resizerMaxBuffer = 4000

	// resizerMaxHold is how long a partial frame may wait for more input
	// before it is released undersized.
	resizerMaxHold = 100 * time.Millisecond
)

// resizable reports whether a payload type can be requantized: only fixed
// 8 kHz one-byte-per-sample codecs (G.711 u-law and A-law) qualify.
func resizable(payloadType uint8) bool {
	return payloadType == 0 || payloadType == 8
}

// resizer requantizes the packet durations of one direction of an RTP
// stream to a fixed sample count per packet. Incoming payloads are merged
// into a contiguous sample buffer and re-cut into frames of the target
// size; sequence numbers are renumbered, timestamps follow the sample
// count. Packets it cannot resize pass through untouched.
type resizer struct {
	mu sync.Mutex

	// outputSamples is the target samples per output packet; <= 0 while
	// resizing is disabled.
	outputSamples int

	buf     []byte // queued samples, contiguous from bufTS
	bufTS   uint32 // timestamp of buf[0]
	started bool
	marker  bool // a queued input carried the marker bit

	hdr     rtp.Header // template from the most recent input
	nextSeq uint16
	seqInit bool

	lastIn time.Time
}

func newResizer() *resizer {
	return &resizer{}
}

func (r *resizer) enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputSamples > 0
}

func (r *resizer) setOutput(samples int) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed = (r.outputSamples > 0) != (samples > 0)
	r.outputSamples = samples
	return changed
}

// enqueue absorbs one raw RTP packet. It reports whether the packet was
// consumed; unparseable or non-resizable packets are left to the caller to
// forward as-is.
func (r *resizer) enqueue(raw []byte) bool {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return false
	}
	if pkt.Version != 2 || !resizable(pkt.PayloadType) || len(pkt.Payload) == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outputSamples <= 0 {
		return false
	}

	if r.started && pkt.Timestamp != r.bufTS+uint32(len(r.buf)) {
		// Timestamp discontinuity (new talkspurt, clock jump): the queue
		// cannot be merged across it, restart from this packet.
		r.buf = r.buf[:0]
		r.started = false
	}

	if !r.started {
		r.bufTS = pkt.Timestamp
		r.started = true
	}
	if pkt.Marker {
		r.marker = true
	}

	r.hdr = pkt.Header
	r.buf = append(r.buf, pkt.Payload...)
	if len(r.buf) > resizerMaxBuffer {
		over := len(r.buf) - resizerMaxBuffer
		r.buf = r.buf[over:]
		r.bufTS += uint32(over)
	}
	r.lastIn = time.Now()
	return true
}

// get returns the next completed output packet, or nil when nothing is due.
// A full frame is due as soon as enough samples are queued; a partial frame
// becomes due once the queue has aged past the hold limit.
func (r *resizer) get(now time.Time) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outputSamples <= 0 || len(r.buf) == 0 {
		return nil
	}

	n := r.outputSamples
	if len(r.buf) < n {
		if now.Sub(r.lastIn) < resizerMaxHold {
			return nil
		}
		n = len(r.buf)
	}
	return r.cutLocked(n)
}

// drain releases everything still queued: cut at the target size while one
// is set, otherwise as a single packet.
func (r *resizer) drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][]byte
	for len(r.buf) > 0 {
		n := r.outputSamples
		if n <= 0 || n > len(r.buf) {
			n = len(r.buf)
		}
		out = append(out, r.cutLocked(n))
	}
	return out
}

// cutLocked builds one output packet from the first n queued samples.
// Caller holds r.mu and guarantees n <= len(r.buf).
func (r *resizer) cutLocked(n int) []byte {
	hdr := r.hdr
	hdr.CSRC = nil
	hdr.Extension = false
	hdr.Extensions = nil
	hdr.ExtensionProfile = 0
	hdr.SequenceNumber = r.nextSeqOut()
	hdr.Timestamp = r.bufTS
	hdr.Marker = r.marker
	r.marker = false

	out := rtp.Packet{Header: hdr, Payload: append([]byte(nil), r.buf[:n]...)}
	r.buf = r.buf[n:]
	r.bufTS += uint32(n)
	if len(r.buf) == 0 {
		r.started = false
	}

	raw, err := out.Marshal()
	if err != nil {
		return nil
	}
	return raw
}

func (r *resizer) nextSeqOut() uint16 {
	if !r.seqInit {
		r.nextSeq = r.hdr.SequenceNumber
		r.seqInit = true
	}
	seq := r.nextSeq
	r.nextSeq++
	return seq
}
