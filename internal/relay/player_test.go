package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// writePrompt drops a raw G.711 prompt file and returns its base name
// (without the codec suffix).
func writePrompt(t *testing.T, codec int, payload []byte) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), "greeting")
	if err := os.WriteFile(fmt.Sprintf("%s.%d", base, codec), payload, 0o644); err != nil {
		t.Fatalf("writing prompt: %v", err)
	}
	return base
}

func TestPlayCommandStreamsPrompt(t *testing.T) {
	e := newTestEngine(t, 36420, 36439, nil)

	caller := udpSock(t)
	callee := udpSock(t)
	oneReply(t, e, offerCmd("U", "call1", sockPort(caller), "tagA"))
	oneReply(t, e, offerCmd("L", "call1", sockPort(callee), "tagA", "tagB"))

	// Two repetitions of a one-frame prompt toward the side opposite the
	// matched from tag.
	prompt := writePrompt(t, 0, samples(promptFrameSamples, 0x42))
	if got := oneReply(t, e, "P2 call1 "+prompt+" 0 tagA"); got != "0\n" {
		t.Fatalf("play reply = %q", got)
	}

	for i := 0; i < 2; i++ {
		raw, _, err := recvFrom(t, callee, 2*time.Second)
		if err != nil {
			t.Fatalf("prompt packet %d not received: %v", i, err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw); err != nil {
			t.Fatalf("prompt packet %d unparseable: %v", i, err)
		}
		if pkt.PayloadType != 0 {
			t.Errorf("prompt payload type = %d, want 0", pkt.PayloadType)
		}
		if len(pkt.Payload) != promptFrameSamples {
			t.Errorf("prompt payload = %d bytes, want %d", len(pkt.Payload), promptFrameSamples)
		}
		if (i == 0) != pkt.Marker {
			t.Errorf("packet %d marker = %t", i, pkt.Marker)
		}
	}

	// After both repetitions the player frees itself.
	e.mu.Lock()
	p := e.pairs[0]
	e.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for p.player(1) != nil {
		if time.Now().After(deadline) {
			t.Fatal("player not released at end of stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlayerOwnsOutboundSide(t *testing.T) {
	e := newTestEngine(t, 36440, 36459, nil)

	caller := udpSock(t)
	callee := udpSock(t)
	p0 := replyPort(t, oneReply(t, e, offerCmd("U", "call1", sockPort(caller), "tagA")))
	oneReply(t, e, offerCmd("L", "call1", sockPort(callee), "tagA", "tagB"))

	// A long prompt keeps the player active on side 1 while we probe.
	prompt := writePrompt(t, 0, samples(promptFrameSamples*100, 0x24))
	if got := oneReply(t, e, "P call1 "+prompt+" 0 tagA"); got != "0\n" {
		t.Fatalf("play reply = %q", got)
	}

	// Drain at least one prompt packet so the player is demonstrably live.
	if _, _, err := recvFrom(t, callee, 2*time.Second); err != nil {
		t.Fatalf("prompt not flowing: %v", err)
	}

	// Relayed media toward the player-owned side is dropped: the callee
	// only ever sees the prompt payload.
	sendTo(t, caller, p0, rtpPayloadPacket(0, 9, 0, samples(99, 0x66)))
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		raw, _, err := recvFrom(t, callee, 200*time.Millisecond)
		if err != nil {
			break
		}
		if len(raw) == 12+99 {
			t.Fatal("relayed packet leaked through a player-owned side")
		}
	}

	// Stop releases the side again.
	if got := oneReply(t, e, "S call1 tagA"); got != "0\n" {
		t.Fatalf("stop reply = %q", got)
	}
	e.mu.Lock()
	p := e.pairs[0]
	e.mu.Unlock()
	if p.player(1) != nil {
		t.Error("player still installed after stop")
	}
}

func TestPlayUnknownPromptFails(t *testing.T) {
	e := newTestEngine(t, 36460, 36479, nil)
	oneReply(t, e, "U call1 10.0.0.1 5000 tagA")

	if got := oneReply(t, e, "P call1 /nonexistent/prompt 0,8 tagA"); got != "E6\n" {
		t.Errorf("play with missing prompt = %q, want E6", got)
	}
}

func TestPlayTriesCodecListInOrder(t *testing.T) {
	e := newTestEngine(t, 36480, 36499, nil)

	caller := udpSock(t)
	callee := udpSock(t)
	oneReply(t, e, offerCmd("U", "call1", sockPort(caller), "tagA"))
	oneReply(t, e, offerCmd("L", "call1", sockPort(callee), "tagA", "tagB"))

	// Only the A-law variant exists; codec 0 must be skipped over.
	prompt := writePrompt(t, 8, samples(promptFrameSamples, 0x2A))
	if got := oneReply(t, e, "P call1 "+prompt+" 0,8 tagA"); got != "0\n" {
		t.Fatalf("play reply = %q", got)
	}

	raw, _, err := recvFrom(t, callee, 2*time.Second)
	if err != nil {
		t.Fatalf("prompt packet not received: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		t.Fatalf("prompt packet unparseable: %v", err)
	}
	if pkt.PayloadType != 8 {
		t.Errorf("prompt payload type = %d, want 8", pkt.PayloadType)
	}
}
