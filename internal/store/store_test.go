package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/narrate/internal/llmcall"
	"github.com/jackzampolin/narrate/internal/pipeline"
	"github.com/jackzampolin/narrate/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "narrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func speaker(id int) *int { return &id }

func testPayload(chapterID int64) *task.Payload {
	jax := &pipeline.CharacterData{
		Name:           "Jax",
		PagesAppearing: pipeline.PageSet{0: {}, 2: {}},
		DialogLines: []pipeline.DialogLine{
			{PageNumber: 0, Text: "Hello", Emotion: "neutral", Intensity: 0.5},
			{PageNumber: 2, Text: "Goodbye", Emotion: "sad", Intensity: 0.8},
		},
		Traits:            []string{"friendly"},
		VoiceProfile:      &pipeline.VoiceProfile{Gender: "male", Age: "adult", Pitch: 1, Speed: 1, Energy: 1},
		AssignedSpeakerID: speaker(75),
	}
	zane := &pipeline.CharacterData{
		Name:           "Zane",
		PagesAppearing: pipeline.PageSet{1: {}},
	}
	return &task.Payload{
		BookID:         1,
		ChapterID:      chapterID,
		Characters:     []*pipeline.CharacterData{jax, zane},
		CharacterCount: 2,
		DialogCount:    2,
		PagesProcessed: 3,
	}
}

func TestPersist_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n, err := s.Persist(ctx, testPayload(1))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	chars, err := s.ListCharacters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chars, 2)

	jax := chars[0]
	assert.Equal(t, "Jax", jax.Name)
	assert.Equal(t, "jax", jax.Key)
	assert.Equal(t, []string{"friendly"}, jax.Traits)
	assert.Equal(t, 2, jax.DialogLines)
	assert.Equal(t, 1, jax.Chapters)
	require.NotNil(t, jax.SpeakerID)
	assert.Equal(t, 75, *jax.SpeakerID)
	require.NotNil(t, jax.VoiceProfile)
	assert.Equal(t, "male", jax.VoiceProfile.Gender)

	zane := chars[1]
	assert.Empty(t, zane.Traits)
	assert.Nil(t, zane.VoiceProfile)
	assert.Nil(t, zane.SpeakerID)

	lines, err := s.DialogLines(ctx, 1, 1, "JAX")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Hello", lines[0].Text)
	assert.Equal(t, "Goodbye", lines[1].Text)
}

func TestPersist_ReplacesLinesPerChapter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Persist(ctx, testPayload(1))
	require.NoError(t, err)
	_, err = s.Persist(ctx, testPayload(2))
	require.NoError(t, err)

	// Re-deliver chapter 1 with a single line.
	p := testPayload(1)
	p.Characters[0].DialogLines = p.Characters[0].DialogLines[:1]
	p.Characters[0].VoiceProfile = nil
	p.Characters[0].AssignedSpeakerID = nil
	_, err = s.Persist(ctx, p)
	require.NoError(t, err)

	chars, err := s.ListCharacters(ctx, 1)
	require.NoError(t, err)
	jax := chars[0]
	assert.Equal(t, 3, jax.DialogLines)
	assert.Equal(t, 2, jax.Chapters)
	require.NotNil(t, jax.SpeakerID, "missing voice keeps the stored one")
	assert.Equal(t, 75, *jax.SpeakerID)

	lines, err := s.DialogLines(ctx, 1, 1, "Jax")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestPersist_Nil(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Persist(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListCharacters_OtherBook(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Persist(context.Background(), testPayload(1))
	require.NoError(t, err)

	chars, err := s.ListCharacters(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, chars)
}

func TestCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	temp := 0.2

	calls := []*llmcall.Call{
		{ID: "a", Timestamp: base, LatencyMs: 10, BookID: 1, ChapterID: 1, PromptKey: "characters", Provider: "mock", Model: "m", Success: true, Temperature: &temp},
		{ID: "b", Timestamp: base.Add(time.Minute), LatencyMs: 20, BookID: 1, ChapterID: 2, PromptKey: "dialogs", Provider: "mock", Model: "m", Success: false, Error: "overflow"},
		{ID: "c", Timestamp: base.Add(2 * time.Minute), LatencyMs: 30, BookID: 2, PromptKey: "voices", Provider: "openai", Model: "m", Success: true},
		nil,
	}
	require.NoError(t, s.InsertCalls(ctx, calls))
	require.NoError(t, s.InsertCalls(ctx, calls[:1]), "re-inserting a call is ignored")
	require.NoError(t, s.InsertCalls(ctx, nil))

	all, err := s.ListCalls(ctx, llmcall.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[2].Timestamp.Equal(base))
	require.NotNil(t, all[2].Temperature)
	assert.Equal(t, 0.2, *all[2].Temperature)
	assert.Nil(t, all[0].Temperature)

	failed := false
	tests := []struct {
		name   string
		filter llmcall.QueryFilter
		want   []string
	}{
		{"by book", llmcall.QueryFilter{BookID: 1}, []string{"b", "a"}},
		{"by chapter", llmcall.QueryFilter{BookID: 1, ChapterID: 2}, []string{"b"}},
		{"by prompt", llmcall.QueryFilter{PromptKey: "voices"}, []string{"c"}},
		{"by provider", llmcall.QueryFilter{Provider: "mock"}, []string{"b", "a"}},
		{"failures", llmcall.QueryFilter{Success: &failed}, []string{"b"}},
		{"after", llmcall.QueryFilter{After: &base}, []string{"c", "b"}},
		{"limit and offset", llmcall.QueryFilter{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCalls(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, c := range got {
				ids[i] = c.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

type busyErr struct{}

func (busyErr) Error() string { return "database is locked" }
func (busyErr) Code() int     { return 5 }

func TestWithRetry(t *testing.T) {
	s := openTestStore(t)

	attempts := 0
	err := s.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return busyErr{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	other := errors.New("constraint failed")
	err = s.withRetry(context.Background(), func() error {
		attempts++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, attempts)
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.True(t, isSQLiteBusy(busyErr{}))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY: try again")))
	assert.False(t, isSQLiteBusy(errors.New("no such table")))
	assert.False(t, isSQLiteBusy(nil))
}
