package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/testutil"
)

func event(id string) *domain.PaymentEvent {
	return &domain.PaymentEvent{
		Provider: domain.ProviderStripe,
		EventID:  id,
		Kind:     domain.EventCheckoutCompleted,
		OrderID:  "order-1",
	}
}

func TestLedger_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), time.Minute)

	res, err := l.Claim(ctx, event("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Claimed, res)

	// Живая in_progress запись не отдаётся второму обработчику
	res, err = l.Claim(ctx, event("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyProcessed, res)

	require.NoError(t, l.Complete(ctx, event("evt_1").Key(), domain.OutcomeApplied, false))

	res, err = l.Claim(ctx, event("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyProcessed, res)
}

func TestLedger_ReclaimAfterFail(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), time.Minute)
	key := event("evt_2").Key()

	_, err := l.Claim(ctx, event("evt_2"))
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, key, errors.New("db timeout")))

	claim, err := l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimFailed, claim.Status)
	require.NotNil(t, claim.LastError)
	assert.Equal(t, "db timeout", *claim.LastError)

	res, err := l.Claim(ctx, event("evt_2"))
	require.NoError(t, err)
	assert.Equal(t, domain.Claimed, res)

	claim, err = l.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, claim.Attempts)
}

func TestLedger_ReclaimAbandoned(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), time.Minute)

	_, err := l.Claim(ctx, event("evt_3"))
	require.NoError(t, err)

	store.AgeClaim(event("evt_3").Key(), 2*time.Minute)

	res, err := l.Claim(ctx, event("evt_3"))
	require.NoError(t, err)
	assert.Equal(t, domain.Claimed, res)
}

func TestLedger_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), time.Minute)

	const n = 32
	var claimed, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Claim(ctx, event("evt_race"))
			if !assert.NoError(t, err) {
				return
			}
			if res == domain.Claimed {
				claimed.Add(1)
			} else {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
}

func TestLedger_ConcurrentReclaimOfFailed(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), time.Minute)
	key := event("evt_retry").Key()

	_, err := l.Claim(ctx, event("evt_retry"))
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, key, errors.New("boom")))

	const n = 16
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := l.Claim(ctx, event("evt_retry")); err == nil && res == domain.Claimed {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
}

func TestLedger_Anomalies(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	l := New(store.Claims(), 0)

	for _, id := range []string{"evt_a", "evt_b"} {
		_, err := l.Claim(ctx, event(id))
		require.NoError(t, err)
	}
	require.NoError(t, l.Complete(ctx, event("evt_a").Key(), domain.OutcomeInvalidTransition, true))
	require.NoError(t, l.Complete(ctx, event("evt_b").Key(), domain.OutcomeApplied, false))

	anomalies, err := l.Anomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "evt_a", anomalies[0].EventID)

	missing, err := l.Get(ctx, event("evt_missing").Key())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
