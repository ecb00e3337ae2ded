package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"affiliate/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayoutClaimsCommissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c1 := h.approved(t, a, 100)
	c2 := h.approved(t, a, 250)

	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{
		AffiliateID:   a.ID,
		CommissionIDs: []int64{c2.ID, c1.ID, c1.ID},
		Method:        model.PayoutMethodBankTransfer,
		Metadata:      model.PayoutMetadata{AccountRef: "DE89 3704"},
		Actor:         "admin",
	})
	require.NoError(t, err)
	requireDecimal(t, 35, payout.Amount)
	assert.Equal(t, model.PayoutStatusPending, payout.Status)
	assert.Equal(t, []int64{c1.ID, c2.ID}, []int64(payout.CommissionIDs))
	assert.NotEmpty(t, payout.PayoutNo)

	for _, id := range []int64{c1.ID, c2.ID} {
		c := h.reloadCommission(t, id)
		require.NotNil(t, c.PayoutID)
		assert.Equal(t, payout.ID, *c.PayoutID)
	}

	// 已分配的佣金不能再进入其他打款单
	_, err = h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c1.ID}, Method: model.PayoutMethodPayPal})
	var ineligible *IneligibleCommissionError
	require.ErrorAs(t, err, &ineligible)
	assert.ErrorIs(t, err, ErrIneligibleCommission)
	assert.Equal(t, c1.ID, ineligible.Items[0].CommissionID)
}

func TestCreatePayoutIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	other := h.enroll(t)
	ok := h.approved(t, a, 100)
	_, pending := h.convert(t, a, 100)
	foreign := h.approved(t, other, 100)

	_, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{
		AffiliateID:   a.ID,
		CommissionIDs: []int64{ok.ID, pending.ID, foreign.ID, 424242},
		Method:        model.PayoutMethodBankTransfer,
	})
	var ineligible *IneligibleCommissionError
	require.ErrorAs(t, err, &ineligible)
	require.Len(t, ineligible.Items, 3)

	bad := map[int64]bool{}
	for _, item := range ineligible.Items {
		bad[item.CommissionID] = true
		assert.NotEmpty(t, item.Reason)
	}
	assert.True(t, bad[pending.ID])
	assert.True(t, bad[foreign.ID])
	assert.True(t, bad[424242])

	assert.Nil(t, h.reloadCommission(t, ok.ID).PayoutID)
	var payouts int64
	require.NoError(t, h.db.Model(&model.Payout{}).Count(&payouts).Error)
	assert.Zero(t, payouts)
}

func TestCreatePayoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)

	_, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, Method: model.PayoutMethodPayPal})
	assert.ErrorIs(t, err, ErrEmptyPayout)

	c := h.approved(t, a, 100)
	_, err = h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: "cash"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// 比例为 0 时佣金金额为 0
	_, err = h.affiliates.ChangeRate(ctx, a.ID, decimal.Zero, "admin")
	require.NoError(t, err)
	zero := h.approved(t, a, 100)
	requireDecimal(t, 0, zero.Amount)
	_, err = h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{zero.ID}, Method: model.PayoutMethodPayPal})
	assert.ErrorIs(t, err, ErrEmptyPayout)
	assert.Nil(t, h.reloadCommission(t, zero.ID).PayoutID)
}

func TestConcurrentPayoutsNeverDoubleAllocate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c1 := h.approved(t, a, 100)
	c2 := h.approved(t, a, 100)

	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created []*model.Payout
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{
				AffiliateID:   a.ID,
				CommissionIDs: []int64{c1.ID, c2.ID},
				Method:        model.PayoutMethodPayPal,
			})
			if err != nil {
				assert.True(t, errors.Is(err, ErrIneligibleCommission) || errors.Is(err, ErrPayoutBusy), "unexpected error: %v", err)
				return
			}
			mu.Lock()
			created = append(created, p)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	for _, id := range []int64{c1.ID, c2.ID} {
		c := h.reloadCommission(t, id)
		require.NotNil(t, c.PayoutID)
		assert.Equal(t, created[0].ID, *c.PayoutID)
	}
}

func TestPayoutWithoutLockStillGuardedByDatabase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batcher := NewPayoutBatcher(h.deps, nil, h.commissions)
	a := h.enroll(t)
	c := h.approved(t, a, 100)

	_, err := batcher.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodPayPal})
	require.NoError(t, err)
	_, err = batcher.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodPayPal})
	assert.ErrorIs(t, err, ErrIneligibleCommission)
}

func TestProcessPayoutCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c1 := h.approved(t, a, 100)
	c2 := h.approved(t, a, 300)
	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c1.ID, c2.ID}, Method: model.PayoutMethodPayPal})
	require.NoError(t, err)

	_, err = h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: model.PayoutStatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidArgument, "transaction ref is required")

	processing, err := h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: model.PayoutStatusProcessing, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusProcessing, processing.Status)
	assert.NotNil(t, processing.ProcessedAt)

	done, err := h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: model.PayoutStatusCompleted, TransactionRef: "TX-1", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "TX-1", done.TransactionRef)
	assert.NotNil(t, done.CompletedAt)

	members, err := h.payouts.commissionRepo.ListByPayoutID(ctx, nil, payout.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, c := range members {
		assert.Equal(t, model.CommissionStatusPaid, c.Status)
		assert.NotNil(t, c.PaidAt)
		sum = sum.Add(c.Amount)
	}
	assert.True(t, sum.Equal(done.Amount))

	aff := h.reloadAffiliate(t, a.ID)
	requireDecimal(t, 0, aff.PendingEarnings)
	requireDecimal(t, 40, aff.PaidEarnings)
	requireDecimal(t, 40, aff.TotalEarnings)

	for _, target := range []string{model.PayoutStatusProcessing, model.PayoutStatusFailed, model.PayoutStatusCancelled} {
		_, err = h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: target, FailureReason: "x"})
		assert.ErrorIs(t, err, ErrIllegalPayoutTransition, target)
	}
	_, err = h.payouts.CancelPayout(ctx, payout.ID, "too late", "ops")
	assert.ErrorIs(t, err, ErrIllegalPayoutTransition)
}

func TestProcessPayoutFailedReleasesCommissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c := h.approved(t, a, 100)
	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodPayPal})
	require.NoError(t, err)

	_, err = h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: model.PayoutStatusFailed})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	failed, err := h.payouts.ProcessPayout(ctx, ProcessPayoutInput{PayoutID: payout.ID, Status: model.PayoutStatusFailed, FailureReason: "account closed"})
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusFailed, failed.Status)
	assert.Equal(t, []int64{c.ID}, []int64(failed.CommissionIDs), "history of members is kept")

	released := h.reloadCommission(t, c.ID)
	assert.Nil(t, released.PayoutID)
	assert.Equal(t, model.CommissionStatusApproved, released.Status)
	requireDecimal(t, 10, h.reloadAffiliate(t, a.ID).PendingEarnings)

	retry, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodBankTransfer})
	require.NoError(t, err)
	assert.NotEqual(t, payout.ID, retry.ID)
}

func TestCancelPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c := h.approved(t, a, 100)
	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodPayPal})
	require.NoError(t, err)

	cancelled, err := h.payouts.CancelPayout(ctx, payout.ID, "wrong account", "admin")
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong account", cancelled.CancelReason)
	assert.Nil(t, h.reloadCommission(t, c.ID).PayoutID)

	_, err = h.payouts.CancelPayout(ctx, payout.ID, "again", "admin")
	assert.ErrorIs(t, err, ErrIllegalPayoutTransition)

	_, err = h.payouts.CancelPayout(ctx, 9999, "", "admin")
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	history, err := h.deps.Audit.List(ctx, model.AuditEntityPayout, payout.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "admin", history[1].Actor)
}

func TestCalculatePayoutSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)

	summary, err := h.payouts.CalculatePayoutSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, summary.Eligible)
	assert.Zero(t, summary.EligibleCount)
	requireDecimal(t, 50, summary.MinimumPayout)

	c1 := h.approved(t, a, 100)
	summary, err = h.payouts.CalculatePayoutSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, summary.Eligible, "10 is below the minimum")
	assert.NotEmpty(t, summary.Reason)

	c2 := h.approved(t, a, 400)
	h.convert(t, a, 1000) // pending 的佣金不计入
	summary, err = h.payouts.CalculatePayoutSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, summary.Eligible)
	requireDecimal(t, 50, summary.TotalAmount)
	assert.Equal(t, []int64{c1.ID, c2.ID}, summary.EligibleCommissionIDs)

	_, err = h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c1.ID}, Method: model.PayoutMethodPayPal})
	require.NoError(t, err)
	h.approved(t, a, 600)
	summary, err = h.payouts.CalculatePayoutSummary(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, summary.HasPendingPayout)
	assert.False(t, summary.Eligible)

	_, err = h.payouts.CalculatePayoutSummary(ctx, 9999)
	assert.ErrorIs(t, err, ErrAffiliateNotFound)
}
