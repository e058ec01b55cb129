package relay

import (
	"errors"
	"net"
	"testing"
)

func testAllocator(portMin, portMax int) *portAllocator {
	opts := &Options{
		BindAddrs: [2]net.IP{net.IPv4(127, 0, 0, 1)},
		PortMin:   portMin,
		PortMax:   portMax,
		Logger:    testLogger(),
	}
	return newPortAllocator(opts)
}

func TestAllocatePairAdjacency(t *testing.T) {
	a := testAllocator(36300, 36319)

	sp, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer sp.Close()

	if sp.Port%2 != 0 {
		t.Errorf("RTP port %d is odd", sp.Port)
	}
	rtcpPort := sp.RTCPConn.LocalAddr().(*net.UDPAddr).Port
	if rtcpPort != sp.Port+1 {
		t.Errorf("RTCP port = %d, want %d", rtcpPort, sp.Port+1)
	}
}

func TestAllocateAdvancesCursor(t *testing.T) {
	a := testAllocator(36320, 36339)

	first, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer first.Close()
	second, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer second.Close()

	if second.Port != first.Port+2 {
		t.Errorf("second allocation at %d, want %d", second.Port, first.Port+2)
	}
}

func TestAllocateExhaustionAndReuse(t *testing.T) {
	a := testAllocator(36340, 36343) // two pairs

	first, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := a.allocate(0)
	if err != nil {
		first.Close()
		t.Fatalf("allocate: %v", err)
	}
	defer second.Close()

	if _, err := a.allocate(0); !errors.Is(err, ErrNoPorts) {
		t.Fatalf("exhausted allocate error = %v, want ErrNoPorts", err)
	}

	// Releasing a pair makes its ports allocatable again, wrapping the
	// cursor around the range.
	first.Close()
	again, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	defer again.Close()
	if again.Port != first.Port {
		t.Errorf("reallocated port %d, want released %d", again.Port, first.Port)
	}
}

func TestAllocateSkipsForeignBind(t *testing.T) {
	a := testAllocator(36360, 36363)

	// Occupy the first RTP slot with an unrelated socket; the allocator
	// must skip to the next pair.
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 36360})
	if err != nil {
		t.Fatalf("binding blocker: %v", err)
	}
	defer blocker.Close()

	sp, err := a.allocate(0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer sp.Close()
	if sp.Port != 36362 {
		t.Errorf("allocated port %d, want 36362", sp.Port)
	}
}
