package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestCheckpointStore_SaveLoad(t *testing.T) {
	store := NewCheckpointStore(t.TempDir(), 24*time.Hour, newTestLogger(t))

	path, err := store.Save(&Checkpoint{
		SessionID:     "sess-1",
		RestartReason: RestartReasonPlanned,
		WakeContext: WakeContext{
			Prompt:      "You were restarted for an upgrade.",
			PendingWork: "finish reviewing PR 42",
		},
	})
	require.NoError(t, err)
	require.FileExists(t, path)

	cp, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, "sess-1", cp.SessionID)
	assert.Equal(t, RestartReasonPlanned, cp.RestartReason)
	assert.Equal(t, "finish reviewing PR 42", cp.WakeContext.PendingWork)
	assert.False(t, cp.CreatedAt.IsZero())
}

func TestCheckpointStore_RejectsInvalidReason(t *testing.T) {
	store := NewCheckpointStore(t.TempDir(), 24*time.Hour, newTestLogger(t))

	_, err := store.Save(&Checkpoint{RestartReason: "rebooted"})
	assert.ErrorIs(t, err, ErrCheckpointInvalid)
}

func TestCheckpointStore_ExpiredOnLoad(t *testing.T) {
	store := NewCheckpointStore(t.TempDir(), 24*time.Hour, newTestLogger(t))

	path, err := store.Save(&Checkpoint{
		RestartReason: RestartReasonCrash,
		CreatedAt:     time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	_, err = store.Load(path)
	assert.ErrorIs(t, err, ErrCheckpointExpired)
}

func TestCheckpointStore_Sweep(t *testing.T) {
	dir := t.TempDir()
	store := NewCheckpointStore(dir, 24*time.Hour, newTestLogger(t))

	stale, err := store.Save(&Checkpoint{
		RestartReason: RestartReasonCrash,
		CreatedAt:     time.Now().Add(-25 * time.Hour),
	})
	require.NoError(t, err)

	fresh, err := store.Save(&Checkpoint{RestartReason: RestartReasonPlanned})
	require.NoError(t, err)

	garbage := filepath.Join(dir, "not-a-checkpoint.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte("{{{"), 0o644))

	removed := store.Sweep()
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, garbage)
	assert.FileExists(t, fresh)
}

func TestCheckpointStore_Latest(t *testing.T) {
	store := NewCheckpointStore(t.TempDir(), 24*time.Hour, newTestLogger(t))

	cp, path, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, path)

	_, err = store.Save(&Checkpoint{RestartReason: RestartReasonCrash, SessionID: "old"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct ULID timestamps
	newest, err := store.Save(&Checkpoint{RestartReason: RestartReasonPlanned, SessionID: "new"})
	require.NoError(t, err)

	cp, path, err = store.Latest()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "new", cp.SessionID)
	assert.Equal(t, newest, path)
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"planned_restart","checkpoint":"/tmp/cp.yaml"}`))
	require.NoError(t, err)
	assert.Equal(t, MessagePlannedRestart, msg.Type)
	assert.Equal(t, "/tmp/cp.yaml", msg.Checkpoint)

	_, err = ParseMessage([]byte(`{"type":"planned_restart"}`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"type":"reboot_everything"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)

	msg, err = ParseMessage([]byte(`{"type":"restart_ack"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageRestartAck, msg.Type)
}
