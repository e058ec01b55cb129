// Package relay implements the RTP/RTCP media relay engine: the session
// table, the control-command state machine that mutates it, the packet
// forwarders with source-address learning, the prompt players, and the
// session-timeout housekeeping.
//
// The engine is steered exclusively through text commands handed to
// Engine.HandleCommand by a control-channel transport; relayed media never
// touches the command path.
package relay

import (
	"log/slog"
	"net"
)

// BaseProtocolVersion is the base control protocol version reported by the
// V command and the -v capability listing.
const BaseProtocolVersion = 20040107

// ProtocolCapability is one dated control-protocol extension.
type ProtocolCapability struct {
	ID          string
	Description string
}

// ProtocolCapabilities lists the supported control protocol datestamps.
// The first entry is the base version and is not an extension.
var ProtocolCapabilities = []ProtocolCapability{
	{"20040107", "Basic RTP proxy functionality"},
	{"20050322", "Support for multiple RTP streams and MOH"},
	{"20060704", "Support for extra parameter in the V command"},
	{"20071116", "Support for RTP re-packetization"},
}

const (
	// maxPacketSize is the largest UDP payload the relay handles.
	maxPacketSize = 1500

	// maxCommandSize bounds a control command and a reply chunk.
	maxCommandSize = 8 * 1024

	// maxCommandArgs caps the token count of one control command.
	maxCommandArgs = 10

	// lowBitrateThreshold is the payload size under which double-mode
	// sends every packet twice.
	lowBitrateThreshold = 128

	// samplesPerMs is the sample rate of resizable audio, per millisecond.
	samplesPerMs = 8

	// readIdleTimeout is the read deadline used by forwarder goroutines so
	// they can notice session teardown and flush resizer backlogs.
	readIdleTimeout = 100
)

// Options configures a relay Engine.
type Options struct {
	// BindAddrs holds the media bind addresses. Index 0 is the primary
	// (internal) interface, index 1 the external one; index 1 is non-nil
	// only in bridging mode. An unspecified address binds the wildcard.
	BindAddrs [2]net.IP

	// Bridging is true when two bind interfaces are configured and
	// commands may steer sides between them with the E/I modifiers.
	// Bridged clients default to asymmetric.
	Bridging bool

	// PortMin and PortMax bound the media port range. Both must be even;
	// RTP binds even ports, RTCP the adjacent odd ones.
	PortMin int
	PortMax int

	// TOS is the IPv4 type-of-service value set on media sockets, 0 to
	// leave the system default.
	TOS int

	// MaxTTL is the idle session lifetime in seconds. Every forwarded
	// packet and every matched U/L command refreshes a session to MaxTTL.
	MaxTTL int

	// DMode duplicates payloads smaller than the low-bitrate threshold on
	// every send, for loss resilience on low-bitrate codecs.
	DMode bool

	// RecordDir enables the R command when non-empty; recordings are
	// written there, or to SpoolDir when that is set.
	RecordDir string
	SpoolDir  string

	// RecordRTCP also records the RTCP twin when the R command runs.
	RecordRTCP bool

	Logger *slog.Logger

	// Sink, when non-nil, receives one record per finished session.
	Sink SessionSink
}

// SessionSink accepts accounting records for finished sessions.
type SessionSink interface {
	LogSession(rec SessionRecord)
}

// SessionRecord describes one finished session for accounting purposes.
type SessionRecord struct {
	CallID     string
	Tag        string
	CreatedAt  int64 // unix seconds
	EndedAt    int64
	Ports      [2]int
	Remotes    [2]string // learned remote addresses, "" if never known
	Received   [2]uint64
	Relayed    uint64
	Dropped    uint64
	EndReason  string // "delete", "timeout" or "shutdown"
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
