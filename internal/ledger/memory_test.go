package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerClaimIsExclusive(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	ok, err := l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim for the same id must lose")

	seen, err := l.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryLedgerRecordAndList(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "msg-1", OutcomeOK))

	_, err = l.Claim(ctx, "msg-2")
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "msg-2", OutcomeFailed))

	// claimed but not recorded must not show up in List
	_, err = l.Claim(ctx, "msg-3")
	require.NoError(t, err)

	records, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg-1", records[0].MessageID)
	assert.Equal(t, OutcomeOK, records[0].Outcome)
	assert.Equal(t, OutcomeFailed, records[1].Outcome)

	rec, err := l.Get(ctx, "msg-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, OutcomeFailed, rec.Outcome)

	rec, err = l.Get(ctx, "msg-3")
	require.NoError(t, err)
	assert.Nil(t, rec, "unrecorded claim has no terminal record")
}

func TestMemoryLedgerReleaseOnlyDropsUnrecordedClaims(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "msg-1", OutcomeOK))
	require.NoError(t, l.Release(ctx, "msg-1"))

	seen, err := l.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen, "release must not drop a terminal record")

	_, err = l.Claim(ctx, "msg-2")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "msg-2"))

	seen, err = l.Seen(ctx, "msg-2")
	require.NoError(t, err)
	assert.False(t, seen, "released claim is reprocessable")
}

func TestMemoryLedgerForgetAllowsReprocess(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, "msg-1", OutcomeFailed))
	require.NoError(t, l.Forget(ctx, "msg-1"))

	ok, err := l.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// Exactly one of N concurrent claimants may win.
func TestMemoryLedgerConcurrentClaim(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Claim(ctx, "contested")
			assert.NoError(t, err)
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
