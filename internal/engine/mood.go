package engine

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/llm"
	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
)

// moodKey is the context key a mood label is written under.
const moodKey = "mood"

const tagTimeout = 10 * time.Second

// Tagger labels a message with a mood.
type Tagger interface {
	Tag(ctx context.Context, message string) (string, error)
}

// MoodTagger asks an LLM for one of llm.Moods.
type MoodTagger struct {
	client llm.Client
}

// NewMoodTagger creates a tagger backed by client.
func NewMoodTagger(client llm.Client) *MoodTagger {
	return &MoodTagger{client: client}
}

// Tag returns the mood label for message.
func (m *MoodTagger) Tag(ctx context.Context, message string) (string, error) {
	resp, err := m.client.Complete(ctx, llm.MoodPrompt(message))
	if err != nil {
		return "", goerr.Wrap(err, "mood completion")
	}
	mood, ok := llm.ParseMood(resp.Content)
	if !ok {
		return "", goerr.New("unrecognized mood", goerr.V("completion", resp.Content))
	}
	return mood, nil
}

// tagMood fills context["mood"] unless the caller already set it.
// Tagging is best effort.
func (s *Service) tagMood(ctx context.Context, rec *memory.Record) {
	if _, ok := rec.Context[moodKey]; ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, tagTimeout)
	defer cancel()

	mood, err := s.tagger.Tag(ctx, rec.Message)
	if err != nil {
		logging.From(ctx).Debug("mood tagging skipped", "id", rec.ID, "error", err)
		return
	}
	if rec.Context == nil {
		rec.Context = memory.Context{}
	}
	rec.Context[moodKey] = mood
}
