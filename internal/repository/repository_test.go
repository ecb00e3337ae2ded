package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"affiliate/internal/model"
	"affiliate/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func seedAffiliate(t *testing.T, db *gorm.DB, code string) *model.AffiliateUser {
	t.Helper()
	a := &model.AffiliateUser{
		UserID:         time.Now().UnixNano(),
		ReferralCode:   code,
		CommissionRate: decimal.NewFromInt(10),
		Status:         model.AffiliateStatusActive,
		Metadata:       datatypes.NewJSONType(model.AffiliateMetadata{Website: "https://blog.example.com"}),
	}
	require.NoError(t, NewAffiliateRepository(db).Create(context.Background(), nil, a))
	return a
}

func seedCommission(t *testing.T, db *gorm.DB, affiliateID, conversionID int64, amount int64, status string) *model.Commission {
	t.Helper()
	c := &model.Commission{
		ConversionID: conversionID,
		AffiliateID:  affiliateID,
		Amount:       decimal.NewFromInt(amount),
		Rate:         decimal.NewFromInt(10),
		Status:       status,
		CreatedAt:    testutil.Epoch,
	}
	require.NoError(t, NewCommissionRepository(db).Create(context.Background(), nil, c))
	return c
}

func TestAffiliateRepository(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAffiliateRepository(db)
	ctx := context.Background()
	a := seedAffiliate(t, db, "AB12")

	got, err := repo.GetByReferralCode(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "https://blog.example.com", got.Metadata.Data().Website)

	_, err = repo.GetByReferralCode(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrAffiliateNotFound)

	dup := &model.AffiliateUser{UserID: a.UserID + 1, ReferralCode: "AB12", CommissionRate: decimal.NewFromInt(5), Status: model.AffiliateStatusActive}
	assert.ErrorIs(t, repo.Create(ctx, nil, dup), gorm.ErrDuplicatedKey)

	require.NoError(t, repo.IncrementClicks(ctx, nil, a.ID, testutil.Epoch))
	require.NoError(t, repo.IncrementClicks(ctx, nil, a.ID, testutil.Epoch))
	require.NoError(t, repo.AddEarnings(ctx, nil, a.ID, EarningsDelta{
		Pending: decimal.NewFromInt(10),
		Total:   decimal.NewFromInt(10),
	}))
	require.NoError(t, repo.AddEarnings(ctx, nil, a.ID, EarningsDelta{
		Pending: decimal.NewFromInt(-4),
		Paid:    decimal.NewFromInt(4),
	}))

	got, err = repo.GetByID(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalClicks)
	assert.True(t, got.PendingEarnings.Equal(decimal.NewFromInt(6)), got.PendingEarnings.String())
	assert.True(t, got.PaidEarnings.Equal(decimal.NewFromInt(4)))
	assert.True(t, got.TotalEarnings.Equal(decimal.NewFromInt(10)))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, a.ID, model.AffiliateStatusSuspended, model.AffiliateStatusActive), ErrAffiliateStatusInvalid)
	require.NoError(t, repo.UpdateStatus(ctx, nil, a.ID, model.AffiliateStatusActive, model.AffiliateStatusSuspended))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, a.ID, model.AffiliateStatusActive, model.AffiliateStatusInactive), ErrAffiliateStatusInvalid)

	ids, err := repo.ListIDsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)
}

func TestClickRepositorySessionUnique(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewClickRepository(db)
	ctx := context.Background()
	a := seedAffiliate(t, db, "AB12")

	first := &model.Click{AffiliateID: a.ID, SessionID: "S1", IPAddress: "10.0.0.1", CreatedAt: testutil.Epoch}
	require.NoError(t, repo.Create(ctx, nil, first))

	second := &model.Click{AffiliateID: a.ID, SessionID: "S1", IPAddress: "10.0.0.2", CreatedAt: testutil.Epoch}
	err := repo.Create(ctx, nil, second)
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "got %v", err)

	got, err := repo.GetBySessionID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.IPAddress)

	require.NoError(t, repo.MarkConverted(ctx, nil, first.ID, testutil.Epoch))
	assert.ErrorIs(t, repo.MarkConverted(ctx, nil, first.ID, testutil.Epoch), ErrClickAlreadyConverted)
}

func TestListByAffiliateSince(t *testing.T) {
	db := testutil.NewDB(t)
	clicks := NewClickRepository(db)
	conversions := NewConversionRepository(db)
	ctx := context.Background()

	old := &model.Click{AffiliateID: 1, SessionID: "old", CreatedAt: testutil.Epoch.Add(-48 * time.Hour)}
	recent := &model.Click{AffiliateID: 1, SessionID: "recent", CreatedAt: testutil.Epoch.Add(-time.Hour)}
	other := &model.Click{AffiliateID: 2, SessionID: "other", CreatedAt: testutil.Epoch}
	for _, c := range []*model.Click{old, recent, other} {
		require.NoError(t, clicks.Create(ctx, nil, c))
	}

	got, err := clicks.ListByAffiliateSince(ctx, 1, testutil.Epoch.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)

	byID, err := clicks.ListByIDs(ctx, []int64{old.ID, other.ID})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
	byID, err = clicks.ListByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, byID)

	for i, at := range []time.Time{testutil.Epoch.Add(-8 * 24 * time.Hour), testutil.Epoch.Add(-2 * time.Hour), testutil.Epoch} {
		require.NoError(t, conversions.Create(ctx, nil, &model.Conversion{
			AffiliateID: 1, ClickID: int64(i + 1), SessionID: "S", OrderAmount: decimal.NewFromInt(10),
			Currency: "USD", Status: model.CommissionStatusPending, CreatedAt: at,
		}))
	}
	week, err := conversions.ListByAffiliateSince(ctx, 1, testutil.Epoch.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, week, 2)
	assert.True(t, week[0].CreatedAt.Before(week[1].CreatedAt))
}

func TestConversionRepositoryOrderUnique(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewConversionRepository(db)
	ctx := context.Background()

	orderID := "O1"
	c := &model.Conversion{AffiliateID: 1, ClickID: 1, SessionID: "S1", OrderID: &orderID, OrderAmount: decimal.NewFromInt(100), Currency: "USD", Status: model.CommissionStatusPending, CreatedAt: testutil.Epoch}
	require.NoError(t, repo.Create(ctx, nil, c))

	dup := &model.Conversion{AffiliateID: 1, ClickID: 2, SessionID: "S2", OrderID: &orderID, OrderAmount: decimal.NewFromInt(50), Currency: "USD", Status: model.CommissionStatusPending, CreatedAt: testutil.Epoch}
	assert.ErrorIs(t, repo.Create(ctx, nil, dup), gorm.ErrDuplicatedKey)

	// order_id 为空的转化可以有多条
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Create(ctx, nil, &model.Conversion{AffiliateID: 1, ClickID: 3, SessionID: "S3", OrderAmount: decimal.NewFromInt(1), Currency: "USD", Status: model.CommissionStatusPending, CreatedAt: testutil.Epoch}))
	}

	got, err := repo.GetByOrderID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	got, err = repo.GetByOrderID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusPending, model.CommissionStatusApproved, testutil.Epoch))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusPending, model.CommissionStatusRejected, testutil.Epoch), ErrConversionStatusInvalid)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusApproved, model.CommissionStatusRejected, testutil.Epoch), ErrConversionStatusInvalid)
}

func TestCommissionRepositoryClaimAndRelease(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCommissionRepository(db)
	ctx := context.Background()

	c1 := seedCommission(t, db, 1, 1, 10, model.CommissionStatusApproved)
	c2 := seedCommission(t, db, 1, 2, 20, model.CommissionStatusApproved)
	c3 := seedCommission(t, db, 1, 3, 30, model.CommissionStatusPending)

	assert.ErrorIs(t, repo.Create(ctx, nil, &model.Commission{ConversionID: 1, AffiliateID: 1, Amount: decimal.NewFromInt(1), Rate: decimal.NewFromInt(1), Status: model.CommissionStatusPending}), gorm.ErrDuplicatedKey)

	// pending 的佣金不能被认领
	var claimed int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = repo.ClaimForPayout(ctx, tx, []int64{c1.ID, c2.ID, c3.ID}, 1, 100)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), claimed)

	// 已分配的佣金不会被第二个打款单认领
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = repo.ClaimForPayout(ctx, tx, []int64{c1.ID}, 1, 200)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), claimed)

	members, err := repo.ListByPayoutID(ctx, nil, 100)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	allocatable, err := repo.ListAllocatable(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, allocatable)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.MarkPaid(ctx, tx, c1.ID, 100, testutil.Epoch)
	}))

	var released int64
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		released, err = repo.ReleaseFromPayout(ctx, tx, 100)
		return err
	}))
	// 已支付的佣金不会被释放
	assert.Equal(t, int64(1), released)

	allocatable, err = repo.ListAllocatable(ctx, 1)
	require.NoError(t, err)
	require.Len(t, allocatable, 1)
	assert.Equal(t, c2.ID, allocatable[0].ID)

	sums, err := repo.SumEarnings(ctx, nil, 1)
	require.NoError(t, err)
	assert.True(t, sums.Paid.Equal(decimal.NewFromInt(10)))
	assert.True(t, sums.Pending.Equal(decimal.NewFromInt(50)))
}

func TestCommissionRepositoryUpdateStatus(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCommissionRepository(db)
	ctx := context.Background()
	c := seedCommission(t, db, 1, 1, 10, model.CommissionStatusPending)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusPending, model.CommissionStatusPaid, nil), ErrCommissionStatusInvalid)
	require.NoError(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusPending, model.CommissionStatusRejected, map[string]interface{}{
		"rejection_reason": "fraud",
		"rejected_at":      testutil.Epoch,
	}))
	got, err := repo.GetByID(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommissionStatusRejected, got.Status)
	assert.Equal(t, "fraud", got.RejectionReason)

	// 终态不能再流转
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, c.ID, model.CommissionStatusPending, model.CommissionStatusApproved, nil), ErrCommissionStatusInvalid)
}

func TestPayoutRepository(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewPayoutRepository(db)
	ctx := context.Background()

	p := &model.Payout{
		PayoutNo:      "PO1",
		AffiliateID:   1,
		CommissionIDs: datatypes.JSONSlice[int64]{1, 2},
		Amount:        decimal.NewFromInt(30),
		Method:        model.PayoutMethodPayPal,
		Status:        model.PayoutStatusPending,
		CreatedAt:     testutil.Epoch,
	}
	require.NoError(t, repo.Create(ctx, nil, p))

	got, err := repo.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, []int64(got.CommissionIDs))

	count, err := repo.CountByStatus(ctx, 1, model.PayoutStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, repo.UpdateStatus(ctx, nil, p.ID, model.PayoutStatusPending, model.PayoutStatusProcessing, nil))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, p.ID, model.PayoutStatusProcessing, model.PayoutStatusCancelled, nil), ErrPayoutStatusInvalid)
	assert.ErrorIs(t, repo.UpdateStatus(ctx, nil, p.ID, model.PayoutStatusPending, model.PayoutStatusFailed, nil), ErrPayoutStatusInvalid)

	payouts, total, err := repo.ListByAffiliateID(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, payouts, 1)

	_, err = repo.GetByID(ctx, nil, 999)
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestAuditAndFraudRepositories(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	audit := NewAuditRepository(db)
	fraud := NewFraudResultRepository(db)

	for _, action := range []string{"created", "approved"} {
		require.NoError(t, audit.Create(ctx, nil, &model.AuditEntry{
			EntityType: model.AuditEntityCommission,
			EntityID:   7,
			Action:     action,
			Actor:      "system",
			After:      datatypes.JSONMap{"status": action},
			CreatedAt:  testutil.Epoch,
		}))
	}
	entries, err := audit.ListByEntity(ctx, model.AuditEntityCommission, 7)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "created", entries[0].Action)
	assert.Equal(t, "approved", entries[1].After["status"])

	for _, rec := range []string{model.RecommendationReview, model.RecommendationBlock} {
		require.NoError(t, fraud.Create(ctx, nil, &model.FraudAnalysisResult{
			AffiliateID:    3,
			Subject:        model.FraudSubjectClick,
			Indicators:     datatypes.JSONSlice[model.FraudIndicator]{{Type: "bot_activity", Severity: model.SeverityHigh, Score: 50}},
			Score:          50,
			RiskLevel:      model.RiskLevelMedium,
			Recommendation: rec,
			CreatedAt:      testutil.Epoch,
		}))
	}
	results, err := fraud.ListByAffiliateID(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.RecommendationBlock, results[0].Recommendation)
	assert.Equal(t, "bot_activity", results[0].Indicators[0].Type)

	blocked, err := fraud.ListByRecommendation(ctx, model.RecommendationBlock, 10)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}

func TestOutboxRepository(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	msg := &model.OutboxMessage{MessageKey: "evt-1", Topic: "affiliate-tracking", EventType: "click.recorded", Payload: "{}", Status: model.OutboxStatusPending, CreatedAt: testutil.Epoch}
	require.NoError(t, repo.Create(ctx, nil, msg))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.IncrementRetryCount(ctx, msg.ID, "broker down"))
	require.NoError(t, repo.MarkAsFailed(ctx, msg.ID))

	failed, err := repo.GetFailedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	assert.Equal(t, "broker down", failed[0].LastError)

	require.NoError(t, repo.Requeue(ctx, msg.ID))
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)

	require.NoError(t, repo.MarkAsSent(ctx, msg.ID, testutil.Epoch))
	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
