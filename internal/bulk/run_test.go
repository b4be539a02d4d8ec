package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPreservesInputOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1, 0}
	var inFlight, peak atomic.Int32

	res := Run(context.Background(), items, 3, func(_ context.Context, n int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(n) * time.Millisecond)
		if n%2 == 1 {
			return fmt.Errorf("odd %d", n)
		}
		return nil
	})

	assert.Equal(t, []int{4, 2, 0}, res.Successful)
	require.Len(t, res.Failed, 3)
	assert.Equal(t, 5, res.Failed[0].Item)
	assert.Equal(t, "odd 5", res.Failed[0].Error)
	assert.Equal(t, 1, res.Failed[2].Item)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunSummaryTotals(t *testing.T) {
	errBoom := errors.New("boom")
	for _, n := range []int{0, 1, 7, 50} {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		res := Run(context.Background(), items, 4, func(_ context.Context, i int) error {
			if i%3 == 0 {
				return errBoom
			}
			return nil
		})
		assert.Equal(t, n, res.Summary.Total)
		assert.Equal(t, res.Summary.Total, res.Summary.Succeeded+res.Summary.Failed)
		assert.Len(t, res.Successful, res.Summary.Succeeded)
		assert.Len(t, res.Failed, res.Summary.Failed)
		for _, f := range res.Failed {
			assert.ErrorIs(t, f.Err, errBoom)
		}
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, []string{"a", "b"}, 2, func(ctx context.Context, _ string) error {
		return ctx.Err()
	})
	assert.Equal(t, 2, res.Summary.Succeeded)
}
