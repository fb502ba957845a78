package transcript

import (
	"testing"

	"egobackend/internal/models"
)

func TestCompletePairsUserAndAssistant(t *testing.T) {
	s := New()
	s.AppendUser("u1", 19, "1", "hi")
	s.EnsureAssistant("u1", 19, "1")
	s.AppendToken("u1", 19, "1", "Hel")
	s.AppendToken("u1", 19, "1", "lo")

	s.Complete("u1", 19, "1", 2)

	msgs := s.Snapshot("u1", 19)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if !m.IsComplete {
			t.Errorf("message role=%s not marked complete", m.Role)
		}
	}
	if msgs[1].Content != "Hello" {
		t.Errorf("expected assistant content 'Hello', got %q", msgs[1].Content)
	}
	if msgs[1].TokenCount != 2 {
		t.Errorf("expected TokenCount 2, got %d", msgs[1].TokenCount)
	}
}

func TestScrubIncompleteRemovesOnlyOpenMessagesForChat(t *testing.T) {
	s := New()
	s.AppendUser("u1", 19, "1", "hi")
	s.EnsureAssistant("u1", 19, "1")
	s.Complete("u1", 19, "1", 0)

	s.AppendUser("u1", 19, "2", "stop me")
	s.EnsureAssistant("u1", 19, "2")
	s.AppendToken("u1", 19, "2", "partial")

	s.ScrubIncomplete("u1", 19, "2")

	msgs := s.Snapshot("u1", 19)
	if len(msgs) != 2 {
		t.Fatalf("expected chat 1's completed pair to survive, got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.ChatID == "2" {
			t.Errorf("expected chat 2 fully scrubbed, found %+v", m)
		}
	}
}

func TestCompleteNeverMutatesAnAlreadyCompleteMessage(t *testing.T) {
	s := New()
	s.AppendUser("u1", 1, "1", "hi")
	s.EnsureAssistant("u1", 1, "1")
	s.AppendToken("u1", 1, "1", "done")
	s.Complete("u1", 1, "1", 1)

	// A stray late token for the same chat must not be appended to the
	// now-complete assistant message.
	s.AppendToken("u1", 1, "1", "late")

	msgs := s.Snapshot("u1", 1)
	if msgs[1].Content != "done" {
		t.Errorf("expected completed message untouched, got %q", msgs[1].Content)
	}
}

func TestLoadBackfillOnlyAppliesWhenEmpty(t *testing.T) {
	s := New()
	backfill := []models.Message{{Role: "user", Content: "hi", ChatID: "1", IsComplete: true}}
	s.LoadBackfill("u1", 5, backfill)

	if len(s.Snapshot("u1", 5)) != 1 {
		t.Fatalf("expected backfill to populate empty transcript")
	}

	s.LoadBackfill("u1", 5, []models.Message{{Role: "user", Content: "ignored"}})
	if got := s.Snapshot("u1", 5); len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected backfill to no-op once transcript is non-empty, got %+v", got)
	}
}

func TestFlushUserDropsOnlyThatUsersTranscripts(t *testing.T) {
	s := New()
	s.AppendUser("u1", 1, "1", "a")
	s.AppendUser("u2", 1, "1", "b")

	s.FlushUser("u1")

	if len(s.Snapshot("u1", 1)) != 0 {
		t.Error("expected u1's transcript flushed")
	}
	if len(s.Snapshot("u2", 1)) != 1 {
		t.Error("expected u2's transcript untouched")
	}
}
