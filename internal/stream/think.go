package stream

import "strings"

const (
	openThinkTag  = "<think>"
	closeThinkTag = "</think>"
)

// ThinkState tracks where a reply is relative to its reasoning span.
type ThinkState int

const (
	NoThink ThinkState = iota
	InThink
	EndThink
)

func (s ThinkState) String() string {
	switch s {
	case NoThink:
		return "noThink"
	case InThink:
		return "inThink"
	case EndThink:
		return "endThink"
	}
	return "unknown"
}

// ThinkTagParser splits streamed content into text and reasoning.
//
// Only the first <think>...</think> span of a reply is reasoning. Once the
// span closes the parser stops looking for tags, so a later "<think>" is
// plain text. Text that could be the start of a tag is held back until the
// next chunk decides it, which makes the output independent of where chunk
// boundaries fall. An unterminated span leaves the parser in InThink.
type ThinkTagParser struct {
	state   ThinkState
	pending string
}

// State returns the current state.
func (p *ThinkTagParser) State() ThinkState { return p.state }

// Reset returns the parser to NoThink and drops held-back text.
func (p *ThinkTagParser) Reset() {
	p.state = NoThink
	p.pending = ""
}

// Parse consumes one content delta.
func (p *ThinkTagParser) Parse(content string) (text, reasoning string) {
	if content == "" {
		return "", ""
	}
	buf := p.pending + content
	p.pending = ""

	var textOut, reasoningOut strings.Builder
	for buf != "" {
		switch p.state {
		case NoThink:
			if i := strings.Index(buf, openThinkTag); i >= 0 {
				textOut.WriteString(buf[:i])
				buf = buf[i+len(openThinkTag):]
				p.state = InThink
				continue
			}
			keep := partialTagSuffix(buf, openThinkTag)
			textOut.WriteString(buf[:len(buf)-keep])
			p.pending = buf[len(buf)-keep:]
			buf = ""

		case InThink:
			if i := strings.Index(buf, closeThinkTag); i >= 0 {
				reasoningOut.WriteString(buf[:i])
				buf = buf[i+len(closeThinkTag):]
				p.state = EndThink
				continue
			}
			keep := partialTagSuffix(buf, closeThinkTag)
			reasoningOut.WriteString(buf[:len(buf)-keep])
			p.pending = buf[len(buf)-keep:]
			buf = ""

		default:
			textOut.WriteString(buf)
			buf = ""
		}
	}
	return textOut.String(), reasoningOut.String()
}

// Flush releases held-back text at end of stream. The state is unchanged.
func (p *ThinkTagParser) Flush() (text, reasoning string) {
	held := p.pending
	p.pending = ""
	if p.state == InThink {
		return "", held
	}
	return held, ""
}

// partialTagSuffix returns the length of the longest proper prefix of tag
// that s ends with.
func partialTagSuffix(s, tag string) int {
	limit := len(tag) - 1
	if len(s) < limit {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
