// Package thinking implements the "optimistic passthrough + retroactive
// relocation" protocol described for model thinking tags: tokens are
// streamed to the client as soon as they arrive, even while inside a
// <think>...</think> region, and once the region's end is detected the
// parser tells the client to retroactively relocate the tokens it already
// streamed into a separate thinking lane.
//
// The tag-boundary detection is the same buffer-plus-partial-tag technique
// used to strip <tool_call> XML from a GLM token stream: a tag can be split
// across two separate stream chunks, so the parser has to remember a
// "maybe the start of a tag" suffix across calls.
package thinking

import (
	"strings"

	"egobackend/internal/models"
)

// Emit is a single downstream effect the parser produces for one input
// chunk. A chunk commonly produces zero or one Emit; the move_to_thinking
// boundary is a single Emit with MoveToThinking set, which the coordinator
// turns into a move_to_thinking event followed by a thinking_complete event.
type Emit struct {
	// Stream is non-empty content to push to the client immediately as a
	// "stream" event, tagged IsPendingThinking while isInThinking so it
	// still lands in the main lane during the optimistic phase.
	Stream            string
	IsPendingThinking bool

	// MoveToThinking is set when this chunk closed a thinking region.
	// RelocateTokens carries the exact raw chunks previously streamed as
	// IsPendingThinking, in order, for pendingTokens[]; RelocateContent is
	// their concatenation, for content.
	MoveToThinking  bool
	RelocateTokens  []string
	RelocateContent string
	MessageID       string
}

// Parser is a per-stream, stateful filter. One Parser is created per chat
// stream and fed every token chunk Upstream emits, in order.
type Parser struct {
	profile models.ModelProfile
	stop    bool // !profile.SupportsThinking short-circuits to passthrough

	buffer strings.Builder

	isInThinking       bool
	hasThinkingStarted bool
	isInResponseTags   bool
	hasResponseStarted bool

	// pendingThinkingTokens holds the exact raw chunks streamed to the
	// client during the optimistic phase, in order, so a later
	// move_to_thinking can hand them back verbatim as pendingTokens[].
	pendingThinkingTokens []string
	thinkingMessageID     string

	partialTag string
}

// New creates a Parser bound to a single stream's model profile and a
// stable message id used to correlate a later move_to_thinking event back
// to the thinking lane it belongs to.
func New(profile models.ModelProfile, messageID string) *Parser {
	return &Parser{
		profile:           profile,
		stop:              !profile.SupportsThinking,
		thinkingMessageID: messageID,
	}
}

// candidateTags returns every literal tag this parser watches for, longest
// first isn't required here since partial-prefix matching is done
// per-string.
func (p *Parser) candidateTags() []string {
	tags := []string{p.profile.ThinkStart, p.profile.ThinkEnd}
	if p.profile.GPTOSSStyle {
		tags = append(tags, p.profile.ResponseStart)
	}
	out := tags[:0]
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Feed processes one chunk of raw model output and returns the sequence of
// effects it produces, in order.
func (p *Parser) Feed(chunk string) []Emit {
	if p.stop {
		return []Emit{{Stream: chunk}}
	}

	full := p.partialTag + chunk
	p.partialTag = ""

	var emits []Emit
	pos := 0

	for pos < len(full) {
		if p.isInThinking {
			terminator, closeIdx := p.findTerminator(full[pos:])
			if closeIdx == -1 {
				if p.hasPartialSuffix(full[pos:]) {
					p.partialTag = full[pos:]
				} else if full[pos:] != "" {
					p.pendingThinkingTokens = append(p.pendingThinkingTokens, full[pos:])
					emits = append(emits, Emit{Stream: full[pos:], IsPendingThinking: true})
				}
				break
			}

			innerContent := full[pos : pos+closeIdx]
			if innerContent != "" {
				p.pendingThinkingTokens = append(p.pendingThinkingTokens, innerContent)
				emits = append(emits, Emit{Stream: innerContent, IsPendingThinking: true})
			}

			relocated := strings.Join(p.pendingThinkingTokens, "")
			if strings.TrimSpace(relocated) != "" {
				tokens := make([]string, len(p.pendingThinkingTokens))
				copy(tokens, p.pendingThinkingTokens)
				emits = append(emits, Emit{
					MoveToThinking:  true,
					RelocateTokens:  tokens,
					RelocateContent: relocated,
					MessageID:       p.thinkingMessageID,
				})
			}
			p.pendingThinkingTokens = nil
			p.isInThinking = false

			if terminator == p.profile.ResponseStart {
				pos += closeIdx + len(terminator)
				p.isInResponseTags = true
				p.hasResponseStarted = true
			} else {
				pos += closeIdx + len(terminator)
			}
			continue
		}

		if p.isInResponseTags && p.profile.ResponseEnd != "" {
			endIdx := strings.Index(full[pos:], p.profile.ResponseEnd)
			if endIdx != -1 {
				if endIdx > 0 {
					emits = append(emits, Emit{Stream: full[pos : pos+endIdx]})
				}
				pos += endIdx + len(p.profile.ResponseEnd)
				p.isInResponseTags = false
				continue
			}
		}

		startIdx := -1
		if p.profile.ThinkStart != "" && !p.hasThinkingStarted {
			startIdx = strings.Index(full[pos:], p.profile.ThinkStart)
		}
		if startIdx != -1 {
			if startIdx > 0 {
				emits = append(emits, Emit{Stream: full[pos : pos+startIdx]})
			}
			pos += startIdx + len(p.profile.ThinkStart)
			p.isInThinking = true
			p.hasThinkingStarted = true
			continue
		}

		if p.hasPartialSuffix(full[pos:]) {
			cut := p.findPartialStart(full[pos:])
			if cut > 0 {
				emits = append(emits, Emit{Stream: full[pos : pos+cut]})
			}
			p.partialTag = full[pos+cut:]
			break
		}

		if full[pos:] != "" {
			emits = append(emits, Emit{Stream: full[pos:]})
		}
		break
	}

	return emits
}

// findTerminator locates whichever terminator (ThinkEnd, or ResponseStart
// for a gpt-oss-style profile) occurs first in s, returning the literal
// that matched and its index, or ("", -1) if neither is present yet.
func (p *Parser) findTerminator(s string) (string, int) {
	best := -1
	bestTag := ""
	if idx := strings.Index(s, p.profile.ThinkEnd); idx != -1 {
		best, bestTag = idx, p.profile.ThinkEnd
	}
	if p.profile.GPTOSSStyle {
		if idx := strings.Index(s, p.profile.ResponseStart); idx != -1 && (best == -1 || idx < best) {
			best, bestTag = idx, p.profile.ResponseStart
		}
	}
	return bestTag, best
}

func (p *Parser) hasPartialSuffix(s string) bool {
	for _, tag := range p.candidateTags() {
		for n := len(tag) - 1; n > 0; n-- {
			if strings.HasSuffix(s, tag[:n]) {
				return true
			}
		}
	}
	return false
}

func (p *Parser) findPartialStart(s string) int {
	best := len(s)
	for _, tag := range p.candidateTags() {
		for n := len(tag) - 1; n > 0; n-- {
			if strings.HasSuffix(s, tag[:n]) {
				if start := len(s) - n; start < best {
					best = start
				}
			}
		}
	}
	return best
}
