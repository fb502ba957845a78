package thinking

import (
	"strings"
	"testing"

	"egobackend/internal/models"
)

func deepseekProfile() models.ModelProfile {
	return models.ModelProfile{
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
	}
}

func collectStream(emits []Emit) string {
	var b strings.Builder
	for _, e := range emits {
		if e.Stream != "" {
			b.WriteString(e.Stream)
		}
	}
	return b.String()
}

func TestPassthroughWhenUnsupported(t *testing.T) {
	p := New(models.ModelProfile{SupportsThinking: false}, "m1")
	emits := p.Feed("<think>hello</think>world")
	if len(emits) != 1 || emits[0].Stream != "<think>hello</think>world" {
		t.Fatalf("expected raw passthrough, got %+v", emits)
	}
}

func TestBasicThinkingRelocation(t *testing.T) {
	p := New(deepseekProfile(), "m1")

	e1 := p.Feed("<think>reasoning here</think>final answer")
	var sawMove bool
	var relocated string
	var streamed strings.Builder
	for _, e := range e1 {
		if e.MoveToThinking {
			sawMove = true
			relocated = e.RelocateContent
		}
		if e.Stream != "" && !e.IsPendingThinking {
			streamed.WriteString(e.Stream)
		}
	}
	if !sawMove {
		t.Fatalf("expected a move_to_thinking emit, got %+v", e1)
	}
	if relocated != "reasoning here" {
		t.Fatalf("relocated content = %q", relocated)
	}
	if streamed.String() != "final answer" {
		t.Fatalf("final stream = %q", streamed.String())
	}
}

func TestTagSplitAcrossChunks(t *testing.T) {
	p := New(deepseekProfile(), "m1")

	var all []Emit
	all = append(all, p.Feed("<thi")...)
	all = append(all, p.Feed("nk>reason")...)
	all = append(all, p.Feed("ing</th")...)
	all = append(all, p.Feed("ink>done")...)

	var moveCount int
	var relocated, tail strings.Builder
	for _, e := range all {
		if e.MoveToThinking {
			moveCount++
			relocated.WriteString(e.RelocateContent)
		} else if e.Stream != "" && !e.IsPendingThinking {
			tail.WriteString(e.Stream)
		}
	}
	if moveCount != 1 {
		t.Fatalf("expected exactly one move_to_thinking, got %d", moveCount)
	}
	if relocated.String() != "reasoning" {
		t.Fatalf("relocated = %q", relocated.String())
	}
	if tail.String() != "done" {
		t.Fatalf("tail = %q", tail.String())
	}
}

func TestEmptyThinkingBlockIsNoop(t *testing.T) {
	p := New(deepseekProfile(), "m1")
	emits := p.Feed("<think></think>answer")

	for _, e := range emits {
		if e.MoveToThinking && strings.TrimSpace(e.RelocateContent) != "" {
			t.Fatalf("expected no relocation for an empty thinking block, got %q", e.RelocateContent)
		}
	}
	if got := collectStream(emits); got != "answer" {
		t.Fatalf("stream = %q", got)
	}
}

func TestGPTOSSResponseStartTerminatesThinking(t *testing.T) {
	profile := models.ModelProfile{
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
		ResponseStart:    "<response>",
		ResponseEnd:      "</response>",
		GPTOSSStyle:      true,
	}
	p := New(profile, "m1")

	emits := p.Feed("<think>pondering<response>the answer</response>")

	var sawMove bool
	var relocated string
	var streamed strings.Builder
	for _, e := range emits {
		if e.MoveToThinking {
			sawMove = true
			relocated = e.RelocateContent
		}
		if e.Stream != "" && !e.IsPendingThinking {
			streamed.WriteString(e.Stream)
		}
	}
	if !sawMove {
		t.Fatalf("expected move_to_thinking when <response> terminates thinking, got %+v", emits)
	}
	if relocated != "pondering" {
		t.Fatalf("relocated = %q", relocated)
	}
	if streamed.String() != "the answer" {
		t.Fatalf("streamed = %q", streamed.String())
	}
}

func TestPendingTokensMatchRelocatedContentExactly(t *testing.T) {
	// P6 in the testable-properties list: move_to_thinking content must be
	// a contiguous substring of what was already streamed, and those exact
	// tokens must be listed in pendingTokens.
	p := New(deepseekProfile(), "m1")

	var pendingSeen strings.Builder
	var pendingTokens []string
	var relocated string
	var relocateTokens []string
	for _, chunk := range []string{"<think>", "alpha ", "beta ", "gamma", "</think>", "done"} {
		for _, e := range p.Feed(chunk) {
			if e.IsPendingThinking {
				pendingSeen.WriteString(e.Stream)
				pendingTokens = append(pendingTokens, e.Stream)
			}
			if e.MoveToThinking {
				relocated = e.RelocateContent
				relocateTokens = e.RelocateTokens
			}
		}
	}
	if relocated != pendingSeen.String() {
		t.Fatalf("relocated %q != accumulated pending tokens %q", relocated, pendingSeen.String())
	}
	if relocated != "alpha beta gamma" {
		t.Fatalf("relocated = %q", relocated)
	}
	if len(relocateTokens) != len(pendingTokens) {
		t.Fatalf("RelocateTokens = %+v, want exactly the streamed pending chunks %+v", relocateTokens, pendingTokens)
	}
	for i := range pendingTokens {
		if relocateTokens[i] != pendingTokens[i] {
			t.Fatalf("RelocateTokens[%d] = %q, want %q", i, relocateTokens[i], pendingTokens[i])
		}
	}
}
