package service

import (
	"context"
	"testing"

	"affiliate/internal/events"
	"affiliate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileFixesDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reconciler := NewEarningsReconciler(h.deps)

	clean := h.enroll(t)
	h.convert(t, clean, 100)

	drifted := h.enroll(t)
	h.approved(t, drifted, 200) // 20
	h.convert(t, drifted, 50)   // 5
	require.NoError(t, h.db.Model(&model.AffiliateUser{}).Where("id = ?", drifted.ID).
		Updates(map[string]interface{}{"pending_earnings": 999, "paid_earnings": 1, "total_earnings": 3}).Error)

	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Errors)
	require.Len(t, report.Fixed, 1)
	fix := report.Fixed[0]
	assert.Equal(t, drifted.ID, fix.AffiliateID)
	requireDecimal(t, 999, fix.StoredPending)
	requireDecimal(t, 25, fix.Pending)

	got := h.reloadAffiliate(t, drifted.ID)
	requireDecimal(t, 25, got.PendingEarnings)
	requireDecimal(t, 0, got.PaidEarnings)
	requireDecimal(t, 25, got.TotalEarnings)

	history, err := h.deps.Audit.List(ctx, model.AuditEntityAffiliate, drifted.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, AuditActionReconcile, last.Action)
	assert.Equal(t, SystemActor, last.Actor)
	assert.Contains(t, last.Diff, "pending_earnings")
	assert.Contains(t, h.sink.Types(), events.EarningsReconciled)

	again, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Fixed)
}

func TestReconcileCountsPaidCommissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	c := h.approved(t, a, 300)

	payout, err := h.payouts.CreatePayout(ctx, CreatePayoutInput{
		AffiliateID:   a.ID,
		CommissionIDs: []int64{c.ID},
		Method:        model.PayoutMethodPayPal,
		Actor:         "admin",
	})
	require.NoError(t, err)
	_, err = h.payouts.ProcessPayout(ctx, ProcessPayoutInput{
		PayoutID:       payout.ID,
		Status:         model.PayoutStatusCompleted,
		TransactionRef: "txn-1",
		Actor:          "admin",
	})
	require.NoError(t, err)

	drift, err := NewEarningsReconciler(h.deps).Reconcile(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, drift, "settled earnings already match the ledger")

	_, err = NewEarningsReconciler(h.deps).Reconcile(ctx, 424242)
	assert.ErrorIs(t, err, ErrAffiliateNotFound)
}
