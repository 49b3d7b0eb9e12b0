package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)

	st := State{}
	st.Set("sds", "82312", SensorState{
		LastDownloaded: "2024-01-03",
		InitialStart:   "2024-01-01",
		LastRun:        "2024-01-03T06:00:00Z",
	})
	require.NoError(t, Save(path, st))

	loaded := Load(path, zerolog.Nop())
	rec, ok := loaded.Get("sds", "82312")
	require.True(t, ok)
	assert.Equal(t, "2024-01-03", rec.LastDownloaded)
	assert.Equal(t, "2024-01-01", rec.InitialStart)
}

func TestLoadMissingFileIsColdStart(t *testing.T) {
	st := Load(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	assert.Empty(t, st)
}

func TestLoadCorruptFileIsColdStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	st := Load(path, zerolog.Nop())
	assert.Empty(t, st)
}

func TestCloneIsIndependent(t *testing.T) {
	st := State{}
	st.Set("sds", "1", SensorState{LastDownloaded: "2024-01-01"})

	clone := st.Clone()
	clone.Set("sds", "1", SensorState{LastDownloaded: "2024-02-02"})

	rec, _ := st.Get("sds", "1")
	assert.Equal(t, "2024-01-01", rec.LastDownloaded)
}

func TestAcquireLockRejectsSecondRun(t *testing.T) {
	dir := t.TempDir()

	release, err := AcquireLock(dir)
	require.NoError(t, err)

	_, err = AcquireLock(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	release()
	release2, err := AcquireLock(dir)
	require.NoError(t, err)
	release2()
}
