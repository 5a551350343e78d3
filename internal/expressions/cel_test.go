package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyard/runloom/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_OutputAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"output": map[string]any{
			"order_confirmed": true,
			"total":           int64(42),
		},
	}

	t.Run("boolean field", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `output.order_confirmed == true`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("numeric comparison", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `output.total > 40`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("false comparison", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `output.total > 100`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCEL_PriorOutputsAndParameters(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"outputs": map[string]any{
			"login_output": map[string]any{"success": true},
		},
		"parameters": map[string]any{
			"threshold": int64(10),
		},
	}

	ok, err := e.EvaluateBool(context.Background(),
		`outputs.login_output.success && parameters.threshold >= 10`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingKeysDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// No data at all: outputs and parameters default to empty maps.
	ok, err := e.EvaluateBool(context.Background(), `size(outputs) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeValidation, rlErr.Code)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check(`output.total >`)
	require.Error(t, err)
	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeValidation, rlErr.Code)
}

func TestCEL_EvaluateBool_NonBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeValidation, rlErr.Code)
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `parameters.n > 0`,
				map[string]any{"parameters": map[string]any{"n": int64(1)}})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
