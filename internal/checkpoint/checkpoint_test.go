package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/offlinequeue"
	"github.com/casarerpa/casarerpa/internal/storage"
	"github.com/casarerpa/casarerpa/internal/values"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.New(storage.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, offlinequeue.Models()...))
	return New(offlinequeue.New(db), zap.NewNop())
}

func TestNewState_MintsFreshIDAndTimestamp(t *testing.T) {
	s1 := NewState("job-1", "wf", "node-1", nil, map[string]any{"a": 1})
	s2 := NewState("job-1", "wf", "node-1", nil, map[string]any{"a": 1})
	require.Len(t, string(s1.CheckpointID), 8)
	require.NotEqual(t, s1.CheckpointID, s2.CheckpointID)
	require.False(t, s1.CreatedAt.IsZero())
}

func TestSaveCheckpoint_NoActiveJobReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	ctx := execctx.New("job-1", zap.NewNop())
	_, ok := m.SaveCheckpoint("job-1", "node-1", ctx)
	require.False(t, ok)
}

func TestSaveCheckpoint_PersistsAndGetCheckpointRoundTrips(t *testing.T) {
	m := newTestManager(t)
	m.StartJob("job-1", "demo-workflow")

	ctx := execctx.New("job-1", zap.NewNop())
	ctx.Set("counter", float64(3))
	ctx.AppendPath("start")
	ctx.SetBrowserState(values.BrowserState{Present: true, ActivePageName: "login", PageCount: 2})

	id, ok := m.SaveCheckpoint("job-1", "start", ctx)
	require.True(t, ok)
	require.NotEmpty(t, id)

	state, found := m.GetCheckpoint("job-1")
	require.True(t, found)
	require.Equal(t, id, state.CheckpointID)
	require.Equal(t, values.NodeID("start"), state.CurrentNodeID)
	require.Equal(t, []values.NodeID{"start"}, state.ExecutedNodes)
	require.Equal(t, float64(3), state.Variables["counter"])
	require.True(t, state.BrowserState.Present)
	require.Equal(t, "login", state.BrowserState.ActivePageName)
}

func TestSaveCheckpoint_NonSerializableVariableReplacedWithSentinel(t *testing.T) {
	m := newTestManager(t)
	m.StartJob("job-2", "demo-workflow")

	ctx := execctx.New("job-2", zap.NewNop())
	ctx.Set("handle", make(chan int)) // channels never marshal to JSON

	_, ok := m.SaveCheckpoint("job-2", "node-1", ctx)
	require.True(t, ok)

	state, found := m.GetCheckpoint("job-2")
	require.True(t, found)
	sentinel, ok := state.Variables["handle"].(string)
	require.True(t, ok)
	require.True(t, isSentinel(sentinel))
	require.Contains(t, sentinel, "chan int")
}

func TestGetCheckpoint_NoneStoredReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	_, found := m.GetCheckpoint("no-such-job")
	require.False(t, found)
}

func TestRestoreFromCheckpoint_SkipsSentinelsAndRestoresPath(t *testing.T) {
	m := newTestManager(t)
	state := State{
		Variables: map[string]any{
			"counter": float64(7),
			"handle":  "<non-serializable: chan int>",
		},
		ExecutionPath: []values.NodeID{"start", "middle"},
	}

	ctx := execctx.New("job-3", zap.NewNop())
	ok := m.RestoreFromCheckpoint(state, ctx)
	require.True(t, ok)

	require.Equal(t, float64(7), ctx.Get("counter", nil))
	_, present := ctx.Lookup("handle")
	require.False(t, present)
	require.Equal(t, []values.NodeID{"start", "middle"}, ctx.Path())
}

func TestRecordError_AppendsToNextCheckpoint(t *testing.T) {
	m := newTestManager(t)
	m.StartJob("job-4", "demo-workflow")
	m.RecordError("job-4", "node-1", "boom")

	ctx := execctx.New("job-4", zap.NewNop())
	_, ok := m.SaveCheckpoint("job-4", "node-1", ctx)
	require.True(t, ok)

	state, found := m.GetCheckpoint("job-4")
	require.True(t, found)
	require.Len(t, state.Errors, 1)
	require.Equal(t, "boom", state.Errors[0].Message)
}

func TestEndJob_ClearsTrackingSoLaterSaveFails(t *testing.T) {
	m := newTestManager(t)
	m.StartJob("job-5", "demo-workflow")
	m.EndJob("job-5")

	ctx := execctx.New("job-5", zap.NewNop())
	_, ok := m.SaveCheckpoint("job-5", "node-1", ctx)
	require.False(t, ok)
}

func TestClearCheckpoints_RemovesStoredState(t *testing.T) {
	m := newTestManager(t)
	m.StartJob("job-6", "demo-workflow")
	ctx := execctx.New("job-6", zap.NewNop())
	_, ok := m.SaveCheckpoint("job-6", "node-1", ctx)
	require.True(t, ok)

	require.NoError(t, m.ClearCheckpoints("job-6"))
	_, found := m.GetCheckpoint("job-6")
	require.False(t, found)
}
