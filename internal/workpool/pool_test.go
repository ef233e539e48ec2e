package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32

	fns := make([]func(context.Context) error, 6)
	for i := range fns {
		fns[i] = func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}
	}

	errs := p.All(context.Background(), fns...)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, p.InUse())
}

func TestPool_ErrorsKeepOrder(t *testing.T) {
	p := New(4)
	boom := errors.New("boom")

	errs := p.All(context.Background(),
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
	)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
}

func TestPool_DoHonoursContextWhileWaiting(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return p.InUse() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
