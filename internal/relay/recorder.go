package relay

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// recorderChanSize buffers ~2.5 seconds of one 20ms-paced stream so a
	// slow disk never stalls the forwarder.
	recorderChanSize = 128

	// recorderMagic identifies a packet-log file and its format version.
	recorderMagic = "RTPREC01"
)

// Recorder is an append-only sink for one direction of one stream. Packets
// are copied onto a buffered channel and written by a dedicated goroutine
// as length-prefixed records:
//
//	8 bytes magic, then per packet:
//	8 bytes big-endian receive time (unix nanoseconds)
//	2 bytes big-endian payload length
//	payload
//
// Write never blocks; packets are dropped when the writer falls behind.
type Recorder struct {
	path   string
	logger *slog.Logger

	packets chan recordedPacket
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
	written uint64
}

type recordedPacket struct {
	at      time.Time
	payload []byte
}

// recordingPath builds the on-disk name for a stream side's packet log:
// <dir>/<call_id>=<tag>.<side>.<rtp|rtcp>. Path separators in the
// signaling-supplied identifiers are flattened.
func recordingPath(dir, callID, tag string, side int, rtcp bool) string {
	ext := "rtp"
	if rtcp {
		ext = "rtcp"
	}
	name := fmt.Sprintf("%s=%s.%d.%s",
		sanitizeName(callID), sanitizeName(tag), side, ext)
	return filepath.Join(dir, name)
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
}

// NewRecorder opens the packet log and starts the writer goroutine.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	st, err := f.Stat()
	if err == nil && st.Size() == 0 {
		if _, err := f.Write([]byte(recorderMagic)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("writing recording header: %w", err)
		}
	}

	r := &Recorder{
		path:    path,
		logger:  logger.With("subsystem", "recorder", "file", path),
		packets: make(chan recordedPacket, recorderChanSize),
		done:    make(chan struct{}),
	}
	go r.writeLoop(f)

	r.logger.Info("recording started")
	return r, nil
}

// Write appends one packet to the log. The payload is copied so the
// caller's buffer can be reused immediately.
func (r *Recorder) Write(payload []byte) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped || len(payload) == 0 || len(payload) > 0xFFFF {
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case r.packets <- recordedPacket{at: time.Now(), payload: buf}:
	default:
		// Writer behind; losing a record beats stalling the relay.
	}
}

// Close drains pending packets and closes the file. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.packets)
	<-r.done

	r.mu.Lock()
	written := r.written
	r.mu.Unlock()
	r.logger.Info("recording stopped", "packets", written)
}

func (r *Recorder) writeLoop(f *os.File) {
	defer close(r.done)
	defer f.Close()

	var hdr [10]byte
	for pkt := range r.packets {
		binary.BigEndian.PutUint64(hdr[0:8], uint64(pkt.at.UnixNano()))
		binary.BigEndian.PutUint16(hdr[8:10], uint16(len(pkt.payload)))
		if _, err := f.Write(hdr[:]); err != nil {
			r.logger.Error("recording write failed", "error", err)
			continue
		}
		if _, err := f.Write(pkt.payload); err != nil {
			r.logger.Error("recording write failed", "error", err)
			continue
		}
		r.mu.Lock()
		r.written++
		r.mu.Unlock()
	}
}
