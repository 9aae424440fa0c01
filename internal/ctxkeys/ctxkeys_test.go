package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithCorrelationID(ctx, "corr-1")

	v, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", v)

	v, _ = TraceID(ctx)
	assert.Equal(t, "trace-1", v)

	v, _ = CorrelationID(ctx)
	assert.Equal(t, "corr-1", v)

	// 空值视为未设置
	_, ok = CorrelationID(WithCorrelationID(context.Background(), ""))
	assert.False(t, ok)
}
