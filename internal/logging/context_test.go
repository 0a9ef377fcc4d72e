package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "exec-1")
	ctx = WithStepID(ctx, 3)
	ctx = WithCheckpointID(ctx, "cp-9")

	logger.InfoContext(ctx, "step started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exec-1", rec["execution_id"])
	assert.Equal(t, float64(3), rec["step_id"])
	assert.Equal(t, "cp-9", rec["checkpoint_id"])
}

func TestCorrelationHandler_SkipsAbsentIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no correlation")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	_, hasExec := rec["execution_id"]
	assert.False(t, hasExec)
}
