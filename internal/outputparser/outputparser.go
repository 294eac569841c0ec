// Package outputparser implements the line-oriented streaming parser
// for xiebo's stdout: a small domain grammar for performance summaries,
// hit counts, and key material. It never imports the dispatcher or
// stop-signal packages directly; a stop-notification capability is
// injected by the caller.
package outputparser

import (
	"regexp"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// hitCountRe matches "Range Finished! ... Found: K" case-insensitively,
// tolerant of arbitrary text between the two anchors on one line.
var hitCountRe = regexp.MustCompile(`(?i)range finished!.*found:\s*(\d+)`)

const maxWIFShort = 60

// Result accumulates the parse state of one batch's xiebo invocation.
type Result struct {
	HitCount      int
	AnyHit        bool
	SpeedSummary  string
	PrivateHex    string
	PrivateWIF    string
	WIFShort      string
	Address       string
	RawHits       []string
}

// NotifyHit is called exactly once, the first time a "range finished!
// ... found: K" line reports K >= 1. The caller of New supplies it; a
// nil value is a no-op, which keeps the parser independently testable.
type NotifyHit func()

// Parser consumes one line at a time via Feed and accumulates Result.
type Parser struct {
	notify       NotifyHit
	fired        bool
	res          Result
	lastNearMiss string
}

// New builds a Parser. notify may be nil.
func New(notify NotifyHit) *Parser {
	return &Parser{notify: notify}
}

// Result returns a snapshot of the accumulated parse state.
func (p *Parser) Result() Result {
	return p.res
}

// Feed processes one line of xiebo output, matching case-insensitively
// and tolerant of surrounding whitespace.
func (p *Parser) Feed(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	lower := strings.ToLower(trimmed)

	if m := hitCountRe.FindStringSubmatch(trimmed); m != nil {
		p.res.SpeedSummary = trimmed
		p.res.RawHits = append(p.res.RawHits, trimmed)
		if count := parseDecimal(m[1]); count >= 1 {
			p.res.HitCount += count
			p.res.AnyHit = true
			p.fireHit()
		}
		return
	}

	switch {
	case strings.Contains(lower, "priv (hex):"):
		p.res.PrivateHex = extractAfter(trimmed, "priv (hex):")
		p.res.RawHits = append(p.res.RawHits, trimmed)
		p.res.AnyHit = true
		p.refreshWIFShort()
	case strings.Contains(lower, "priv (wif):"):
		p.res.PrivateWIF = extractAfter(trimmed, "priv (wif):")
		p.res.RawHits = append(p.res.RawHits, trimmed)
		p.res.AnyHit = true
		p.refreshWIFShort()
	case strings.Contains(lower, "address:") && p.res.AnyHit:
		p.res.Address = extractAfter(trimmed, "address:")
		p.res.RawHits = append(p.res.RawHits, trimmed)
	default:
		p.diagnoseNearMiss(trimmed, lower)
	}
}

func (p *Parser) fireHit() {
	if p.fired {
		return
	}
	p.fired = true
	if p.notify != nil {
		p.notify()
	}
}

// refreshWIFShort keeps WIFShort as the first 60 chars of PrivateWIF,
// falling back to PrivateHex when no WIF has been seen yet.
func (p *Parser) refreshWIFShort() {
	src := p.res.PrivateWIF
	if src == "" {
		src = p.res.PrivateHex
	}
	if len(src) > maxWIFShort {
		src = src[:maxWIFShort]
	}
	p.res.WIFShort = src
}

// diagnoseNearMiss records the latest line that mentions a
// found-adjacent keyword but matches none of the known patterns above.
// Nothing is logged here and the line never affects the Result;
// DumpNearMiss returns the recorded line with a dump of the current
// in-progress Result.
func (p *Parser) diagnoseNearMiss(trimmed, lower string) {
	const hintWords = "found priv address key"
	for _, w := range strings.Fields(hintWords) {
		if strings.Contains(lower, w) {
			p.lastNearMiss = trimmed
			return
		}
	}
}

func extractAfter(line, marker string) string {
	lower := strings.ToLower(line)
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+len(marker):])
}

func parseDecimal(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// DumpNearMiss returns a spew dump of the current in-progress Result,
// for attachment to a ParseError log line when a line looked
// found-adjacent but matched no known pattern.
func (p *Parser) DumpNearMiss() (line string, dump string, ok bool) {
	if p.lastNearMiss == "" {
		return "", "", false
	}
	return p.lastNearMiss, spew.Sdump(p.res), true
}
