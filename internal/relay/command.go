package relay

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Control protocol error codes. The numbering is part of the wire contract
// with the signaling server and must not be reshuffled. Codes 5 and 11-14
// were allocation-failure replies in earlier deployments and stay reserved.
const (
	ecodeNoCommand        = 0
	ecodeSyntax           = 1
	ecodeVersionSyntax    = 2
	ecodeUnknownVerb      = 3
	ecodeOfferArgs        = 4
	ecodePlayerCreate     = 6
	ecodeListenerExisting = 7
	ecodeNotFound         = 8
	ecodeListenerNew      = 10
)

func errorReply(code int) []string {
	return []string{fmt.Sprintf("E%d\n", code)}
}

func okReply() []string {
	return []string{"0\n"}
}

// commandFields tokenizes a command on space, tab, CR and LF, keeping at
// most maxCommandArgs tokens.
func commandFields(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) > maxCommandArgs {
		fields = fields[:maxCommandArgs]
	}
	return fields
}

// HandleCommand executes one control command and returns the reply chunks.
// Every command yields at least one chunk; only the I command may return
// several. Chunks include their trailing newline; the transport prepends
// the cookie in datagram mode.
func (e *Engine) HandleCommand(line string) []string {
	if len(line) > maxCommandSize {
		line = line[:maxCommandSize]
	}
	args := commandFields(line)
	if len(args) < 1 {
		e.logger.Error("command syntax error", "command", line)
		return errorReply(ecodeNoCommand)
	}

	e.logger.Debug("received command", "command", line)

	switch args[0][0] {
	case 'v', 'V':
		return e.handleVersion(args)
	case 'i', 'I':
		return e.infoChunks()
	case 'u', 'U', 'l', 'L', 'd', 'D', 'p', 'P', 'r', 'R', 's', 'S':
		return e.handleSessionCommand(args)
	default:
		e.logger.Error("unknown command", "command", line)
		return errorReply(ecodeUnknownVerb)
	}
}

// handleVersion answers V (base protocol version) and VF (capability
// datestamp probe).
func (e *Engine) handleVersion(args []string) []string {
	v := args[0]
	if len(v) > 1 && (v[1] == 'F' || v[1] == 'f') {
		if len(args) != 2 && len(args) != 3 {
			e.logger.Error("command syntax error", "command", v)
			return errorReply(ecodeVersionSyntax)
		}
		known := 0
		for _, c := range ProtocolCapabilities {
			if args[1] == c.ID {
				known = 1
				break
			}
		}
		return []string{fmt.Sprintf("%d\n", known)}
	}

	if len(args) != 1 && len(args) != 2 {
		e.logger.Error("command syntax error", "command", v)
		return errorReply(ecodeVersionSyntax)
	}
	return []string{fmt.Sprintf("%d\n", BaseProtocolVersion)}
}

// sessionCommand is one parsed U/L/D/P/R/S command.
type sessionCommand struct {
	verb   byte // upper-cased
	callID string
	fromTag, toTag string

	// U/L
	addr, port string
	asymmetric bool
	ipv6       bool
	ifIndex    [2]int
	resizeSamples int // -1 disables, >0 sets the target

	// U/L/D
	weak bool

	// P
	promptName string
	codecs     string
	reps       int
}

// handleSessionCommand parses and executes the session-table verbs.
func (e *Engine) handleSessionCommand(args []string) []string {
	cmd, ecode := e.parseSessionCommand(args)
	if ecode >= 0 {
		return errorReply(ecode)
	}
	return e.runSessionCommand(cmd)
}

// parseSessionCommand validates argument shapes and modifier flags.
// It returns a negative error code on success.
func (e *Engine) parseSessionCommand(args []string) (*sessionCommand, int) {
	verb := upperByte(args[0][0])
	mods := args[0][1:]

	cmd := &sessionCommand{
		verb:          verb,
		asymmetric:    e.opts.Bridging,
		resizeSamples: -1,
		reps:          1,
	}

	switch verb {
	case 'U', 'L':
		if len(args) < 5 || len(args) > 6 {
			e.logger.Error("command syntax error", "verb", string(verb))
			return nil, ecodeOfferArgs
		}
		cmd.callID, cmd.addr, cmd.port, cmd.fromTag = args[1], args[2], args[3], args[4]
		if len(args) == 6 {
			cmd.toTag = args[5]
		}
		if code := cmd.parseOfferModifiers(e, mods); code >= 0 {
			return nil, code
		}

	case 'P':
		if len(args) < 5 || len(args) > 6 {
			e.logger.Error("command syntax error", "verb", "P")
			return nil, ecodeOfferArgs
		}
		cmd.callID, cmd.promptName, cmd.codecs, cmd.fromTag = args[1], args[2], args[3], args[4]
		if len(args) == 6 {
			cmd.toTag = args[5]
		}
		if mods != "" {
			n, err := strconv.Atoi(mods)
			if err != nil || n < 1 {
				e.logger.Error("command syntax error", "verb", "P", "mods", mods)
				return nil, ecodeSyntax
			}
			cmd.reps = n
		}

	case 'D':
		if len(args) < 3 || len(args) > 4 {
			e.logger.Error("command syntax error", "verb", "D")
			return nil, ecodeSyntax
		}
		cmd.callID, cmd.fromTag = args[1], args[2]
		if len(args) == 4 {
			cmd.toTag = args[3]
		}
		for i := 0; i < len(mods); i++ {
			if mods[i] != 'w' && mods[i] != 'W' {
				e.logger.Error("command syntax error", "verb", "D", "mods", mods)
				return nil, ecodeSyntax
			}
			cmd.weak = true
		}

	case 'R', 'S':
		if len(args) < 3 || len(args) > 4 {
			e.logger.Error("command syntax error", "verb", string(verb))
			return nil, ecodeSyntax
		}
		if mods != "" {
			e.logger.Error("command syntax error", "verb", string(verb), "mods", mods)
			return nil, ecodeSyntax
		}
		cmd.callID, cmd.fromTag = args[1], args[2]
		if len(args) == 4 {
			cmd.toTag = args[3]
		}
	}

	return cmd, -1
}

// parseOfferModifiers handles the flag characters of U and L. Unknown
// letters are logged and ignored. It returns a negative code on success.
func (c *sessionCommand) parseOfferModifiers(e *Engine, mods string) int {
	lidx := 1
	for i := 0; i < len(mods); i++ {
		switch mods[i] {
		case 'a', 'A':
			c.asymmetric = true
		case 's', 'S':
			c.asymmetric = false
		case 'e', 'E':
			if lidx < 0 {
				e.logger.Error("command syntax error", "mods", mods)
				return ecodeSyntax
			}
			c.ifIndex[lidx] = 1
			lidx--
		case 'i', 'I':
			if lidx < 0 {
				e.logger.Error("command syntax error", "mods", mods)
				return ecodeSyntax
			}
			c.ifIndex[lidx] = 0
			lidx--
		case '6':
			c.ipv6 = true
		case 'w', 'W':
			c.weak = true
		case 'z', 'Z':
			j := i + 1
			for j < len(mods) && mods[j] >= '0' && mods[j] <= '9' {
				j++
			}
			ms, err := strconv.Atoi(mods[i+1 : j])
			samples := (ms / 10) * (10 * samplesPerMs)
			if err != nil || samples <= 0 {
				e.logger.Error("command syntax error", "mods", mods)
				return ecodeSyntax
			}
			c.resizeSamples = samples
			i = j - 1
		default:
			e.logger.Error("unknown command modifier", "modifier", string(mods[i]))
		}
	}
	return -1
}

// resolveOfferAddr turns the command's addr/port tokens into the RTP peer
// address to pre-fill, or nil when the tokens are unresolvable or the
// null host: a command may validly withhold the address.
func (c *sessionCommand) resolveOfferAddr(e *Engine) *net.UDPAddr {
	if len(c.addr) < 7 {
		return nil
	}
	ip, err := netip.ParseAddr(c.addr)
	if err != nil {
		e.logger.Error("unparseable address in command", "addr", c.addr, "error", err)
		return nil
	}
	port, err := strconv.Atoi(c.port)
	if err != nil || port < 1 || port > 65535 {
		e.logger.Error("unparseable port in command", "port", c.port)
		return nil
	}
	if c.ipv6 != ip.Is6() || ip.IsUnspecified() {
		return nil
	}
	return &net.UDPAddr{IP: net.IP(ip.AsSlice()), Port: port}
}

// matchTag compares a session tag against a command tag: 1 on a full
// match, 2 on a media-number match (tag equals cand plus a ";N" suffix),
// 0 otherwise.
func matchTag(tag, cand string) int {
	if tag == cand {
		return 1
	}
	if len(tag) > len(cand) && strings.HasPrefix(tag, cand) && tag[len(cand)] == ';' {
		return 2
	}
	return 0
}

// matchSide resolves which side of a matched pair the command acts on.
// The session tag names the side-0 endpoint, so a from-tag match selects
// side 0 for the verbs acting on the matched endpoint itself (U re-offers
// its media, D drops its hold), and side 1 for the verbs acting opposite
// it (L answers, P/S/R play, stop and record on the other party's side).
// A to-tag match flips the selection.
func (c *sessionCommand) matchSide(p *pair) (cmpr, side int) {
	ownSide := 0
	if c.verb != 'U' && c.verb != 'D' {
		ownSide = 1
	}
	if m := matchTag(p.tag, c.fromTag); m != 0 {
		return m, ownSide
	}
	if c.toTag != "" {
		if m := matchTag(p.tag, c.toTag); m != 0 {
			return m, 1 - ownSide
		}
	}
	return 0, 0
}

// runSessionCommand walks the session table and applies the verb to every
// matching pair, creating one for an unmatched U.
func (e *Engine) runSessionCommand(cmd *sessionCommand) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ndeleted := 0
	nstopped := 0

	for idx := 0; idx < len(e.pairs); idx++ {
		p := e.pairs[idx]
		if p.callID != cmd.callID {
			continue
		}
		cmpr, side := cmd.matchSide(p)
		if cmpr == 0 {
			continue
		}

		switch cmd.verb {
		case 'D':
			if cmd.weak {
				p.weak[side] = false
			} else {
				p.strong = false
			}
			if p.held() {
				p.logger.Info("delete: removing reference, session continues",
					"weak", cmd.weak,
					"strong", p.strong,
					"weak_refs", fmt.Sprintf("%t/%t", p.weak[0], p.weak[1]),
				)
				ndeleted++
				continue
			}
			p.logger.Info("deleting session",
				"ports", fmt.Sprintf("%d/%d", p.rtp.ports[0], p.rtp.ports[1]))
			e.removePairLocked(p, "delete")
			idx--
			if cmpr == 2 {
				ndeleted++
				continue
			}
			return okReply()

		case 'S':
			e.stopPlayer(p, side)
			nstopped++
			if cmpr == 2 {
				continue
			}
			return okReply()

		case 'P':
			e.stopPlayer(p, side)
			for _, codec := range parseCodecList(cmd.codecs) {
				pl, err := newPlayer(p, side, cmd.promptName, codec, cmd.reps)
				if err != nil {
					p.logger.Debug("player candidate rejected",
						"prompt", cmd.promptName, "codec", codec, "error", err)
					continue
				}
				p.mu.Lock()
				p.players[side] = pl
				p.mu.Unlock()
				pl.start()
				return okReply()
			}
			p.logger.Error("can't create player", "prompt", cmd.promptName)
			return errorReply(ecodePlayerCreate)

		case 'R':
			e.startRecording(p, side)
			return okReply()

		case 'U', 'L':
			return e.applyOffer(p, side, cmd, false)
		}
	}

	switch cmd.verb {
	case 'D':
		if ndeleted > 0 {
			return okReply()
		}
	case 'S':
		if nstopped > 0 {
			return okReply()
		}
	case 'U':
		return e.createSession(cmd)
	case 'L':
		// An unanswered lookup is reported as port zero so the signaling
		// server can fall back without treating it as a hard failure.
		e.logger.Info("lookup request failed: session not found",
			"call_id", cmd.callID,
			"from_tag", cmd.fromTag,
			"to_tag", cmd.toTag,
		)
		return []string{"0\n"}
	}

	e.logger.Info("request failed: session not found",
		"verb", string(cmd.verb),
		"call_id", cmd.callID,
		"from_tag", cmd.fromTag,
		"to_tag", cmd.toTag,
	)
	return errorReply(ecodeNotFound)
}

// createSession allocates and registers a new pair for an unmatched U.
func (e *Engine) createSession(cmd *sessionCommand) []string {
	e.logger.Info("new session requested",
		"call_id", cmd.callID,
		"from_tag", cmd.fromTag,
		"weak", cmd.weak,
	)

	p := newPair(e, cmd.callID, cmd.fromTag, cmd.ifIndex)
	sp, err := e.alloc.allocate(p.ifIndex[0])
	if err != nil {
		e.logger.Error("can't create listener", "error", err)
		return errorReply(ecodeListenerNew)
	}
	p.bindSide(0, sp)

	e.pairs = append(e.pairs, p)
	e.sessionsCreated++

	p.logger.Info("new session created",
		"port", sp.Port,
		"tag", cmd.fromTag,
	)
	return e.applyOffer(p, 0, cmd, true)
}

// applyOffer is the shared tail of matched and creating U/L commands:
// bind the side if it has no socket yet, take the hold reference, restart
// the session timer, pre-fill the signaled address, retarget the resizer,
// and reply with the side's local port. The order (allocate, update,
// reply) keeps the returned port consistent with what the next lookup
// observes.
func (e *Engine) applyOffer(p *pair, side int, cmd *sessionCommand, created bool) []string {
	if p.rtp.conns[side] == nil {
		sp, err := e.alloc.allocate(p.ifIndex[side])
		if err != nil {
			p.logger.Error("can't create listener", "error", err)
			return errorReply(ecodeListenerExisting)
		}
		p.bindSide(side, sp)
	}
	if p.complete.Load() {
		e.startReaders(p)
	}

	if cmd.weak {
		p.weak[side] = true
	} else {
		p.strong = true
	}
	p.refreshTTL()

	if !created {
		p.logger.Info("session updated, timer restarted",
			"verb", string(cmd.verb),
			"ports", fmt.Sprintf("%d/%d", p.rtp.ports[0], p.rtp.ports[1]),
			"strong", p.strong,
			"weak_refs", fmt.Sprintf("%t/%t", p.weak[0], p.weak[1]),
		)
	}

	p.prefill(side, cmd.resolveOfferAddr(e), cmd.asymmetric)
	p.setResizeSamples(side, cmd.resizeSamples)

	lport := p.rtp.ports[side]
	host, is6 := e.bindSideAddr(p, side)
	if host == "" {
		return []string{fmt.Sprintf("%d\n", lport)}
	}
	if is6 {
		return []string{fmt.Sprintf("%d %s 6\n", lport, host)}
	}
	return []string{fmt.Sprintf("%d %s\n", lport, host)}
}

// startRecording opens the packet logs for a side: the RTP stream always,
// the RTCP twin unless RTCP recording is disabled. An unconfigured
// recording directory makes R a no-op acknowledgment.
func (e *Engine) startRecording(p *pair, side int) {
	if e.opts.RecordDir == "" {
		return
	}
	dir := e.opts.RecordDir
	if e.opts.SpoolDir != "" {
		dir = e.opts.SpoolDir
	}

	streams := []*stream{p.rtp}
	if e.opts.RecordRTCP {
		streams = append(streams, p.rtcp)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range streams {
		if s.recorders[side] != nil {
			continue
		}
		path := recordingPath(dir, p.callID, p.tag, side, s.rtcp)
		rec, err := NewRecorder(path, p.logger)
		if err != nil {
			p.logger.Error("can't start recording",
				"stream", s.kind(), "path", path, "error", err)
			continue
		}
		s.recorders[side] = rec
		p.logger.Info("started recording",
			"stream", s.kind(), "port", s.ports[side])
	}
}

// parseCodecList extracts the candidate payload types of a P command.
func parseCodecList(codecs string) []int {
	fields := strings.FieldsFunc(codecs, func(r rune) bool {
		return r < '0' || r > '9'
	})
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}
