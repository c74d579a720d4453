package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AcquireRelease(t *testing.T) {
	tbl := NewTable()

	release, err := tbl.Acquire(context.Background(), "case:A", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Held())

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, tbl.Held())
}

func TestTable_ContentionTimesOutWithBusy(t *testing.T) {
	tbl := NewTable()

	release, err := tbl.Acquire(context.Background(), "case:A", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = tbl.Acquire(context.Background(), "case:A", 20*time.Millisecond)
	require.ErrorIs(t, err, model.ErrBusy)

	// other keys are independent
	other, err := tbl.Acquire(context.Background(), "case:B", 20*time.Millisecond)
	require.NoError(t, err)
	other()
}

func TestTable_ContextCancel(t *testing.T) {
	tbl := NewTable()
	release, err := tbl.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tbl.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, model.ErrBusy)
	assert.Equal(t, 1, tbl.Held())
}

func TestTable_MutualExclusion(t *testing.T) {
	tbl := NewTable()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tbl.Acquire(context.Background(), "hot", 5*time.Second)
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, tbl.Held())
}
