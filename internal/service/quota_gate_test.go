package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"genrelay/internal/ledger"
	"genrelay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission(t *testing.T) {
	a := NewAdmission(1)

	require.NoError(t, a.TryAdmit(1))
	assert.ErrorIs(t, a.TryAdmit(1), ErrAlreadyRunning)
	assert.ErrorIs(t, a.TryAdmit(2), ErrServerBusy)
	assert.Equal(t, 1, a.Active())

	a.Release(1)
	a.Release(1)
	assert.Equal(t, 0, a.Active())
	require.NoError(t, a.TryAdmit(2))
}

func TestAdmissionConcurrentCap(t *testing.T) {
	a := NewAdmission(3)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if a.TryAdmit(userID) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 3, a.Active())
}

func TestQuotaGateDisabledIsUnlimited(t *testing.T) {
	f := newFixture(t)
	gate := NewQuotaGate(f.store, false, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := gate.Consume(ctx, 42, "")
		require.NoError(t, err)
		assert.Equal(t, ledger.SourceUnlimited, res.Source)
	}

	b, err := gate.Balance(ctx, 42)
	require.NoError(t, err)
	assert.False(t, b.QuotaEnabled)
	assert.Zero(t, b.FreeUsed)
	assert.Zero(t, b.Credits)
}

func TestQuotaGateFreeThenCredit(t *testing.T) {
	f := newFixture(t)
	gate := NewQuotaGate(f.store, true, 2)
	ctx := context.Background()

	_, err := f.store.AdjustCredits(ctx, 42, 1, model.CreditLogTypeAdjust, "", "grant")
	require.NoError(t, err)

	res, err := gate.Consume(ctx, 42, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceFree, res.Source)
	assert.Equal(t, 1, res.FreeRemaining)

	res, err = gate.Consume(ctx, 42, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceFree, res.Source)
	assert.Equal(t, 0, res.FreeRemaining)

	res, err = gate.Consume(ctx, 42, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceCredit, res.Source)
	assert.Equal(t, int64(0), res.Credits)

	_, err = gate.Consume(ctx, 42, "")
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	b, err := gate.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, b.FreeUsed)
	assert.Zero(t, b.FreeRemaining)
	assert.Zero(t, b.Credits)
}

func TestQuotaGateNoDoubleSpend(t *testing.T) {
	f := newFixture(t)
	gate := NewQuotaGate(f.store, true, 0)
	ctx := context.Background()

	_, err := f.store.AdjustCredits(ctx, 42, 1, model.CreditLogTypeAdjust, "", "grant")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		denied int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Consume(ctx, 42, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrQuotaExhausted):
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, denied)
	assert.Zero(t, f.credits(t, 42))
}
