package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(model string) *Envelope {
	return NewEnvelope([]byte(`{}`), model, false, ContextLiveness{Ctx: context.Background()})
}

func TestQueueFIFO(t *testing.T) {
	q := New()
	first := testEnvelope("a")
	second := testEnvelope("b")
	require.True(t, q.Push(first))
	require.True(t, q.Push(second))
	assert.Equal(t, 2, q.Len())

	env, ok := q.PopWait(time.Second)
	require.True(t, ok)
	assert.Same(t, first, env)

	env, ok = q.PopWait(time.Second)
	require.True(t, ok)
	assert.Same(t, second, env)
}

func TestQueuePopWaitTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.PopWait(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueuePopWaitWakesOnPush(t *testing.T) {
	q := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(testEnvelope("late"))
	}()
	env, ok := q.PopWait(time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", env.Model)
}

func TestQueueScanAndFind(t *testing.T) {
	q := New()
	envs := make([]*Envelope, 5)
	for i := range envs {
		envs[i] = testEnvelope("m")
		q.Push(envs[i])
	}

	visited := 0
	q.Scan(3, func(*Envelope) { visited++ })
	assert.Equal(t, 3, visited)

	assert.Same(t, envs[2], q.Find(envs[2].ReqID))
	assert.Nil(t, q.Find("nope"))
}

func TestQueueCloseReturnsOrphans(t *testing.T) {
	q := New()
	q.Push(testEnvelope("a"))
	q.Push(testEnvelope("b"))

	orphans := q.Close()
	assert.Len(t, orphans, 2)
	assert.False(t, q.Push(testEnvelope("c")), "closed queue rejects pushes")
	_, ok := q.PopWait(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestEnvelopeCancelFlag(t *testing.T) {
	env := testEnvelope("m")
	assert.False(t, env.Cancelled())
	env.Cancel()
	assert.True(t, env.Cancelled())
}

func TestFutureFirstResolutionWins(t *testing.T) {
	f := NewFuture()
	f.Resolve(&Result{JSON: []byte("ok")})
	f.Fail(errors.New("too late"))

	result, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result.JSON)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureFail(t *testing.T) {
	f := NewFuture()
	boom := errors.New("boom")
	f.Fail(boom)

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}
