package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mediaflow/pkg/schema"
)

func celData() map[string]any {
	data := map[string]any{"videoId": "abc123", "discoverySource": "webhook", "durationSec": float64(1800)}
	return map[string]any{
		"event": map[string]any{"id": "ev-1", "name": "media/video.discovered", "data": data},
		"data":  data,
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_FilterOnData(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `data.discoverySource != "cron"`, celData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `event.name == "media/episode.discovered"`, celData())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `data.durationSec > 600.0`, celData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_HasMacroOnMissingField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `has(data.channelId)`, celData())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(data)`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)
}

func TestCEL_NonBoolFilter(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `data.videoId`, celData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCEL_CompileErrors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.True(t, schema.HasCode(e.Compile(""), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(e.Compile("data.videoId =="), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(e.Compile("unknown_var > 1"), schema.ErrCodeValidation))
	assert.NoError(t, e.Compile(`data.videoId != ""`))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `data.missing == "x"`, celData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `data.videoId == "abc123"`, celData())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}
