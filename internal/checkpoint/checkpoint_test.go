package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/narrate/internal/pipeline"
)

var pages = []string{"Jax spoke.", "Zane answered."}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(t.TempDir(), WithClock(c.now)), c
}

func sampleContext() *pipeline.AnalysisContext {
	actx := pipeline.NewAnalysisContext(7, 3, pages)
	actx.Observe("Jax", 0)
	zane := actx.Observe("Zane", 1)
	zane.DialogLines = []pipeline.DialogLine{{PageNumber: 1, Text: "Late again.", Emotion: "sad", Intensity: 0.4}}
	id := 44
	zane.AssignedSpeakerID = &id
	zane.VoiceProfile = pipeline.DefaultVoiceProfile()
	actx.TotalDialogLines = 1
	actx.PagesProcessed = 2
	return actx
}

func TestKey(t *testing.T) {
	assert.Equal(t, "7_3", Key(7, 3))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	actx := sampleContext()

	require.NoError(t, m.Save(ctx, Snapshot(actx, pipeline.StepDialogs)))
	assert.FileExists(t, filepath.Join(m.Dir(), "7_3.json"))

	cp, ok := m.Load(ctx, 7, 3, actx.ContentHash)
	require.True(t, ok)
	assert.Equal(t, Version, cp.Version)
	assert.Equal(t, pipeline.StepDialogs, cp.LastCompletedStep)

	restored := cp.Restore(pages)
	assert.Equal(t, actx.ContentHash, restored.ContentHash)
	assert.Equal(t, 1, restored.TotalDialogLines)
	assert.Equal(t, 2, restored.PagesProcessed)
	require.Len(t, restored.Characters, 2)

	zane, ok := restored.Lookup("zane")
	require.True(t, ok)
	assert.Equal(t, "Zane", zane.Name)
	assert.Equal(t, []int{1}, zane.PagesAppearing.Sorted())
	assert.Equal(t, actx.Characters["zane"].DialogLines, zane.DialogLines)
	require.NotNil(t, zane.AssignedSpeakerID)
	assert.Equal(t, 44, *zane.AssignedSpeakerID)
	assert.Equal(t, pipeline.DefaultVoiceProfile(), zane.VoiceProfile)
}

func TestSnapshotIsIndependent(t *testing.T) {
	actx := sampleContext()
	cp := Snapshot(actx, pipeline.StepCharacters)

	actx.Observe("Jax", 1)
	actx.Observe("Mina", 0)

	assert.Len(t, cp.Characters, 2)
	assert.Equal(t, []int{0}, cp.Characters["jax"].PagesAppearing.Sorted())
}

func TestLoadExpired(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	actx := sampleContext()
	require.NoError(t, m.Save(ctx, Snapshot(actx, pipeline.StepCharacters)))

	c.advance(25 * time.Hour)

	_, ok := m.Load(ctx, 7, 3, actx.ContentHash)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(m.Dir(), "7_3.json"))
}

func TestLoadWithinTTL(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	actx := sampleContext()
	require.NoError(t, m.Save(ctx, Snapshot(actx, pipeline.StepCharacters)))

	c.advance(23 * time.Hour)

	_, ok := m.Load(ctx, 7, 3, actx.ContentHash)
	assert.True(t, ok)
}

func TestLoadHashMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	actx := sampleContext()
	require.NoError(t, m.Save(ctx, Snapshot(actx, pipeline.StepCharacters)))

	_, ok := m.Load(ctx, 7, 3, pipeline.ContentHash([]string{"different"}))
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(m.Dir(), "7_3.json"))
}

func TestLoadCorrupt(t *testing.T) {
	m, _ := newTestManager(t)
	path := filepath.Join(m.Dir(), "7_3.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "characters": {`), 0o644))

	_, ok := m.Load(context.Background(), 7, 3, 0)
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestLoadUnknownVersion(t *testing.T) {
	m, _ := newTestManager(t)
	path := filepath.Join(m.Dir(), "7_3.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "book_id": 7, "chapter_id": 3}`), 0o644))

	_, ok := m.Load(context.Background(), 7, 3, 0)
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestLoadMissing(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.Load(context.Background(), 1, 1, 0)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, Snapshot(sampleContext(), pipeline.StepCharacters)))

	require.NoError(t, m.Delete(ctx, 7, 3))
	assert.NoFileExists(t, filepath.Join(m.Dir(), "7_3.json"))

	// Deleting again is not an error.
	require.NoError(t, m.Delete(ctx, 7, 3))
}

func TestListAndSweep(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()

	old := sampleContext()
	require.NoError(t, m.Save(ctx, Snapshot(old, pipeline.StepCharacters)))
	c.advance(30 * time.Hour)

	fresh := pipeline.NewAnalysisContext(8, 1, pages)
	require.NoError(t, m.Save(ctx, Snapshot(fresh, pipeline.StepDialogs)))
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "9_9.json"), []byte("not json"), 0o644))

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, "7_3", infos[0].Key)
	assert.True(t, infos[0].Expired)
	assert.Equal(t, "8_1", infos[1].Key)
	assert.False(t, infos[1].Expired)
	assert.Equal(t, pipeline.StepDialogs, infos[1].Step)
	assert.Positive(t, infos[1].Size)
	assert.Equal(t, "9_9", infos[2].Key)
	assert.True(t, infos[2].Corrupt)
	assert.Equal(t, int64(9), infos[2].BookID)

	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	infos, err = m.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "8_1", infos[0].Key)
}

func TestListMissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent"))
	infos, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSaveCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	other := NewManager(m.Dir())

	// Hold the file lock from another manager so Save must wait.
	unlock, err := other.lock(context.Background(), Key(7, 3))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.Save(ctx, Snapshot(sampleContext(), pipeline.StepCharacters))
	assert.Error(t, err)
}

func TestSweeper(t *testing.T) {
	m, _ := newTestManager(t)

	s := NewSweeper(m, "not a schedule", nil)
	assert.Error(t, s.Start(context.Background()))

	s = NewSweeper(m, "", nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
