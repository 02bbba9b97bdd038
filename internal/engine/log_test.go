package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionLog_AppendAndGet(t *testing.T) {
	log := NewExecutionLog()

	rec := &schema.StepRecord{StepID: "fetch", Status: schema.StepStatusSucceeded}
	require.NoError(t, log.Append(rec))

	got, ok := log.Get("fetch")
	assert.True(t, ok)
	assert.Same(t, rec, got)
	assert.True(t, log.Has("fetch"))
	assert.Equal(t, 1, log.Len())
}

func TestExecutionLog_DuplicateStepRejected(t *testing.T) {
	log := NewExecutionLog()

	require.NoError(t, log.Append(&schema.StepRecord{StepID: "fetch"}))
	err := log.Append(&schema.StepRecord{StepID: "fetch"})

	require.Error(t, err)
	var le *schema.LoomError
	require.True(t, schema.AsLoomError(err, &le))
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestExecutionLog_PreservesAppendOrder(t *testing.T) {
	log := NewExecutionLog()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, log.Append(&schema.StepRecord{StepID: id}))
	}

	records := log.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].StepID)
	assert.Equal(t, "b", records[1].StepID)
	assert.Equal(t, "c", records[2].StepID)
}

func TestExecutionLog_RecordsReturnsCopy(t *testing.T) {
	log := NewExecutionLog()
	require.NoError(t, log.Append(&schema.StepRecord{StepID: "a"}))

	records := log.Records()
	records[0] = nil

	again := log.Records()
	require.NotNil(t, again[0])
	assert.Equal(t, "a", again[0].StepID)
}

func TestExecutionLog_GetMissing(t *testing.T) {
	log := NewExecutionLog()

	rec, ok := log.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.False(t, log.Has("nope"))
}

func TestExecutionLog_Serialize(t *testing.T) {
	log := NewExecutionLog()
	require.NoError(t, log.Append(&schema.StepRecord{
		StepID:       "fetch",
		Status:       schema.StepStatusSucceeded,
		AttemptCount: 1,
	}))

	raw, err := log.Serialize()
	require.NoError(t, err)

	var parsed []map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Len(t, parsed, 1)
	assert.Equal(t, "fetch", parsed[0]["step_id"])
	assert.Equal(t, string(schema.StepStatusSucceeded), parsed[0]["status"])
}

func TestExecutionLog_ConcurrentAppends(t *testing.T) {
	log := NewExecutionLog()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = log.Append(&schema.StepRecord{StepID: fmt.Sprintf("step-%d", n)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, log.Len())
}
