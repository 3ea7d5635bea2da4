package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agentd/internal/core"
)

func TestEmitRunsHandlersInOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("x", func(ctx context.Context, evt Event) *core.Error {
			order = append(order, i)
			return nil
		})
	}
	err := b.Emit(context.Background(), "x", nil, EmitOptions{})
	require.Nil(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEmitAggregatesErrorsReturnsFirst(t *testing.T) {
	b := New()
	var calls int32
	b.Subscribe("x", func(ctx context.Context, evt Event) *core.Error {
		atomic.AddInt32(&calls, 1)
		return core.InvalidInput("first")
	})
	b.Subscribe("x", func(ctx context.Context, evt Event) *core.Error {
		atomic.AddInt32(&calls, 1)
		return core.InvalidInput("second")
	})
	err := b.Emit(context.Background(), "x", nil, EmitOptions{})
	require.NotNil(t, err)
	assert.Equal(t, "first", err.Message)
	assert.Equal(t, int32(2), calls)
}

func TestHandlerPanicDoesNotCrash(t *testing.T) {
	b := New()
	b.Subscribe("x", func(ctx context.Context, evt Event) *core.Error {
		panic("boom")
	})
	err := b.Emit(context.Background(), "x", nil, EmitOptions{})
	require.NotNil(t, err)
	assert.Equal(t, core.ErrSystemError, err.Code)
}

func TestRequestResponse(t *testing.T) {
	b := New()
	b.Subscribe(NextTaskQuery, func(ctx context.Context, evt Event) *core.Error {
		b.Respond(evt.CorrelationID, "task-42")
		return nil
	})
	v, err := b.Request(context.Background(), NextTaskQuery, nil, time.Second)
	require.Nil(t, err)
	assert.Equal(t, "task-42", v)
}

func TestRequestTimeoutWhenNoResponder(t *testing.T) {
	b := New()
	b.Subscribe(NextTaskQuery, func(ctx context.Context, evt Event) *core.Error {
		return nil // never calls Respond
	})
	_, err := b.Request(context.Background(), NextTaskQuery, nil, 20*time.Millisecond)
	require.NotNil(t, err)
}

func TestRequestErrorResponse(t *testing.T) {
	b := New()
	b.Subscribe(NextTaskQuery, func(ctx context.Context, evt Event) *core.Error {
		b.RespondError(evt.CorrelationID, core.NotFound("nothing queued"))
		return nil
	})
	_, err := b.Request(context.Background(), NextTaskQuery, nil, time.Second)
	require.NotNil(t, err)
	assert.Equal(t, core.ErrNotFound, err.Code)
}
