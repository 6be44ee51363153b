package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperationCompletesOnce(t *testing.T) {
	op := New()
	assert.False(t, op.IsCompleted())

	first := errors.New("first")
	assert.True(t, op.Complete(first))
	assert.False(t, op.Complete(errors.New("second")))

	assert.True(t, op.IsCompleted())
	assert.Equal(t, first, op.Error())
}

func TestOperationWaitHonoursContext(t *testing.T) {
	op := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, op.Wait(ctx), context.DeadlineExceeded)

	op.Complete(nil)
	assert.NoError(t, op.Wait(context.Background()))
}

func TestGoAndThen(t *testing.T) {
	boom := errors.New("boom")
	op := Go(func() error { return boom })

	got := make(chan error, 1)
	op.Then(func(err error) { got <- err })

	select {
	case err := <-got:
		assert.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}

	assert.NoError(t, Completed(nil).Error())
}
