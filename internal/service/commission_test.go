package service

import (
	"context"
	"sync"
	"testing"

	"affiliate/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommissionAmountRounding(t *testing.T) {
	cases := []struct {
		amount, rate, want string
	}{
		{"100", "10", "10"},
		{"33.33", "10", "3.33"},
		{"0.05", "10", "0.01"},
		{"19.99", "12.5", "2.5"},
		{"250", "0", "0"},
	}
	for _, tc := range cases {
		got := CommissionAmount(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.rate))
		assert.True(t, decimal.RequireFromString(tc.want).Equal(got), "%s * %s%% = %s", tc.amount, tc.rate, got)
	}
}

func TestCalculateIsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	h.click(t, a.ReferralCode, "S1")
	conversion, err := h.matcher.MatchConversion(ctx, ConversionInput{SessionID: "S1", OrderID: "O1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan int64, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.commissions.Calculate(ctx, conversion.ID)
			if err != nil {
				assert.ErrorIs(t, err, ErrDuplicateCommission)
			}
			if c != nil {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}

	var n int64
	require.NoError(t, h.db.Model(&model.Commission{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	aff := h.reloadAffiliate(t, a.ID)
	requireDecimal(t, 10, aff.PendingEarnings)
	requireDecimal(t, 10, aff.TotalEarnings)

	stored := h.reloadConversion(t, conversion.ID)
	requireDecimal(t, 10, stored.CommissionAmount)
}

func TestTransitionReportsPerItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	_, pending := h.convert(t, a, 100)
	approved := h.approved(t, a, 200)

	res, err := h.commissions.Transition(ctx, []int64{pending.ID, approved.ID, 9999}, CommissionActionApprove, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	assert.True(t, res.Items[0].Success)
	assert.Equal(t, model.CommissionStatusApproved, res.Items[0].Commission.Status)
	assert.Equal(t, "admin", res.Items[0].Commission.ApprovedBy)
	assert.ErrorIs(t, res.Items[1].Err, ErrIllegalCommissionTransition)
	assert.ErrorIs(t, res.Items[2].Err, ErrCommissionNotFound)

	_, err = h.commissions.Transition(ctx, []int64{pending.ID}, "refund", "admin", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRejectReversesPendingEarnings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	conversion, c := h.convert(t, a, 100)
	_, keep := h.convert(t, a, 50)

	_, err := h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionReject, "admin", "")
	assert.ErrorIs(t, err, ErrInvalidArgument, "reason is required")

	res, err := h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionReject, "admin", "fake order")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	stored := h.reloadCommission(t, c.ID)
	assert.Equal(t, model.CommissionStatusRejected, stored.Status)
	assert.Equal(t, "fake order", stored.RejectionReason)
	assert.Equal(t, model.CommissionStatusRejected, h.reloadConversion(t, conversion.ID).Status)

	aff := h.reloadAffiliate(t, a.ID)
	requireDecimal(t, 5, aff.PendingEarnings)
	requireDecimal(t, 5, aff.TotalEarnings)
	requireDecimal(t, 5, keep.Amount)

	// rejected 是终态
	res, err = h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionApprove, "admin", "")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Items[0].Err, ErrIllegalCommissionTransition)

	history, err := h.deps.Audit.List(ctx, model.AuditEntityCommission, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, AuditActionCreate, history[0].Action)
	assert.Equal(t, AuditActionStatusChange, history[1].Action)
	assert.Equal(t, map[string]interface{}{"from": "pending", "to": "rejected"}, history[1].Diff["status"])
}

func TestPayRequiresCompletedPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c := h.approved(t, a, 100)

	res, err := h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionPay, "admin", "")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Items[0].Err, ErrIllegalCommissionTransition, "not in a payout")

	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{AffiliateID: a.ID, CommissionIDs: []int64{c.ID}, Method: model.PayoutMethodStripe})
	require.NoError(t, err)

	res, err = h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionPay, "admin", "")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Items[0].Err, ErrIllegalCommissionTransition, "payout still pending")

	// 打款单在外部被标记完成但佣金还没结算
	require.NoError(t, h.db.Model(&model.Payout{}).Where("id = ?", payout.ID).Update("status", model.PayoutStatusCompleted).Error)

	res, err = h.commissions.Transition(ctx, []int64{c.ID}, CommissionActionPay, "admin", "")
	require.NoError(t, err)
	require.True(t, res.Items[0].Success, "%v", res.Items[0].Err)
	assert.Equal(t, model.CommissionStatusPaid, res.Items[0].Commission.Status)

	aff := h.reloadAffiliate(t, a.ID)
	requireDecimal(t, 0, aff.PendingEarnings)
	requireDecimal(t, 10, aff.PaidEarnings)
	assertNoPayoutOnUnpayable(t, h.db)
}
