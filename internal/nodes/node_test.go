package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

func newRegistry() *Registry {
	r := NewRegistry()
	RegisterControlFlow(r)
	return r
}

func newCtx() *execctx.Context {
	return execctx.New(values.NewJobID(), zap.NewNop())
}

func TestRegistry_UnknownTypeFails(t *testing.T) {
	r := newRegistry()
	_, err := r.Construct("DoesNotExist", "n1", "n1")
	require.Error(t, err)
	var unknown *ErrUnknownNodeType
	require.ErrorAs(t, err, &unknown)
}

func TestRegistry_LoadRoundtrip(t *testing.T) {
	r := newRegistry()
	serialized := Serialized{
		NodeID: "set1",
		Type:   TypeSetVariable,
		Name:   "Set counter",
		Config: map[string]any{"name": "counter", "value": float64(0)},
	}
	node, err := r.Load(serialized)
	require.NoError(t, err)
	assert.Equal(t, values.NodeID("set1"), node.ID())

	saved := Save(node, "Set counter", Position{})
	assert.Equal(t, serialized.Config, saved.Config)
}

func TestBase_ValidateAndStoreConfig_RejectsUnknownKey(t *testing.T) {
	b := NewBase("n1", "n1")
	err := b.ValidateAndStoreConfig(map[string]any{"bogus": 1}, setVariableSchemas())
	require.Error(t, err)
}

func TestBase_ValidateAndStoreConfig_RequiresRequiredKeys(t *testing.T) {
	b := NewBase("n1", "n1")
	err := b.ValidateAndStoreConfig(map[string]any{}, setVariableSchemas())
	require.Error(t, err)
}

func TestSetVariableNode_SetsContextVariable(t *testing.T) {
	n := NewSetVariableNode("n1", "set")
	require.NoError(t, n.Configure(map[string]any{"name": "counter", "value": float64(0)}))

	ctx := newCtx()
	result := n.Execute(ctx, nil)
	require.True(t, result.Success)
	assert.Equal(t, []string{values.ExecOutPort}, result.NextNodes)
	assert.Equal(t, float64(0), ctx.Get("counter", nil))
}

func TestIncrementVariableNode_IncrementsFromZero(t *testing.T) {
	n := NewIncrementVariableNode("n1", "inc")
	require.NoError(t, n.Configure(map[string]any{"name": "counter", "by": float64(5)}))

	ctx := newCtx()
	ctx.Set("counter", float64(0))
	n.Execute(ctx, nil)
	assert.Equal(t, float64(5), ctx.Get("counter", nil))
}

func TestIfNode_RoutesOnTruthiness(t *testing.T) {
	n := NewIfNode("n1", "if")
	require.NoError(t, n.Configure(map[string]any{"variable": "flag"}))

	ctx := newCtx()
	ctx.Set("flag", true)
	result := n.Execute(ctx, nil)
	assert.Equal(t, []string{"true"}, result.NextNodes)

	ctx.Set("flag", false)
	result = n.Execute(ctx, nil)
	assert.Equal(t, []string{"false"}, result.NextNodes)
}

func TestThrowErrorNode_AlwaysFails(t *testing.T) {
	n := NewThrowErrorNode("n1", "throw")
	require.NoError(t, n.Configure(map[string]any{"message": "boom", "error_type": "Fatal"}))

	result := n.Execute(newCtx(), nil)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
	assert.Equal(t, "Fatal", result.ErrorType)
}

func TestAssertNode_FailsWhenFalsy(t *testing.T) {
	n := NewAssertNode("n1", "assert")
	require.NoError(t, n.Configure(map[string]any{"variable": "ok", "message": "not ok"}))

	ctx := newCtx()
	ctx.Set("ok", false)
	result := n.Execute(ctx, nil)
	assert.False(t, result.Success)

	ctx.Set("ok", true)
	result = n.Execute(ctx, nil)
	assert.True(t, result.Success)
}

func TestForEachNode_IteratesThenExits(t *testing.T) {
	n := NewForEachNode("loop1", "for")
	require.NoError(t, n.Configure(map[string]any{
		"collection_variable": "items",
		"item_variable":       "item",
		"index_variable":      "idx",
	}))

	ctx := newCtx()
	ctx.Set("items", []any{"a", "b"})

	result := n.Execute(ctx, nil)
	assert.Equal(t, []string{"body"}, result.NextNodes)
	assert.Equal(t, "a", ctx.Get("item", nil))
	assert.Equal(t, 0, ctx.Get("idx", nil))

	result = n.Execute(ctx, nil)
	assert.Equal(t, []string{"body"}, result.NextNodes)
	assert.Equal(t, "b", ctx.Get("item", nil))

	result = n.Execute(ctx, nil)
	assert.Equal(t, []string{values.ExecOutPort}, result.NextNodes)
}

func TestRetryNode_SucceedsAfterFailures(t *testing.T) {
	// Mirrors scenario S3: max=3, body fails twice then succeeds.
	retryNode := NewRetryNode("retry1", "retry")
	require.NoError(t, retryNode.Configure(map[string]any{
		"max_attempts":       float64(3),
		"initial_delay_ms":   float64(1),
		"backoff_multiplier": float64(2),
	}))
	successNode := NewRetrySuccessNode("success1", "success")
	require.NoError(t, successNode.Configure(map[string]any{"scope_node_id": "retry1"}))
	failNode := NewRetryFailNode("fail1", "fail")
	require.NoError(t, failNode.Configure(map[string]any{"scope_node_id": "retry1"}))

	ctx := newCtx()
	attempts := 0

	// Attempt 1: body runs, fails.
	r := retryNode.Execute(ctx, nil)
	require.Equal(t, []string{"body"}, r.NextNodes)
	attempts++
	failNode.Execute(ctx, nil)

	// Attempt 2: still failing.
	r = retryNode.Execute(ctx, nil)
	require.Equal(t, []string{"body"}, r.NextNodes)
	attempts++
	failNode.Execute(ctx, nil)

	// Attempt 3: succeeds.
	r = retryNode.Execute(ctx, nil)
	require.Equal(t, []string{"body"}, r.NextNodes)
	attempts++
	successNode.Execute(ctx, nil)

	r = retryNode.Execute(ctx, nil)
	assert.Equal(t, []string{"succeeded"}, r.NextNodes)
	assert.Equal(t, 3, attempts)
}

func TestRetryNode_ExceedsMaxAttemptsFiresFailed(t *testing.T) {
	retryNode := NewRetryNode("retry1", "retry")
	require.NoError(t, retryNode.Configure(map[string]any{
		"max_attempts":       float64(2),
		"initial_delay_ms":   float64(1),
		"backoff_multiplier": float64(2),
	}))
	failNode := NewRetryFailNode("fail1", "fail")
	require.NoError(t, failNode.Configure(map[string]any{"scope_node_id": "retry1"}))

	ctx := newCtx()
	retryNode.Execute(ctx, nil)
	failNode.Execute(ctx, nil)
	retryNode.Execute(ctx, nil)
	failNode.Execute(ctx, nil)

	r := retryNode.Execute(ctx, nil)
	assert.Equal(t, []string{"failed"}, r.NextNodes)
}

func TestTryNode_RoutesToCatchOnRecordedFailure(t *testing.T) {
	n := NewTryNode("try1", "try")
	ctx := newCtx()

	first := n.Execute(ctx, nil)
	assert.Equal(t, []string{"try_body"}, first.NextNodes)

	RecordFailure(ctx, "try1", "Transient", "boom")

	second := n.Execute(ctx, nil)
	assert.Equal(t, []string{"catch"}, second.NextNodes)
	assert.Equal(t, "boom", second.Data["error"])
}

func TestTryNode_RoutesToSuccessWithoutFailure(t *testing.T) {
	n := NewTryNode("try1", "try")
	ctx := newCtx()

	n.Execute(ctx, nil)
	result := n.Execute(ctx, nil)
	assert.Equal(t, []string{"success"}, result.NextNodes)
}
