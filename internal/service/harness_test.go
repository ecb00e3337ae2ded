package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/events"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/model"
	"affiliate/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/124.0"

type harness struct {
	db    *gorm.DB
	mr    *miniredis.Miniredis
	cache *cache.RedisCache
	clock *clockz.FakeClock
	cfg   *config.Config
	sink  *events.Recorder
	deps  Deps

	affiliates  *AffiliateService
	clicks      *ClickRecorder
	attribution *AttributionStore
	matcher     *ConversionMatcher
	commissions *CommissionCalculator
	scorer      *FraudScorer
	payouts     *PayoutBatcher
	tracking    *TrackingService

	seq int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	client, mr := testutil.NewRedis(t)
	c := cache.NewRedisCache(client, 200*time.Millisecond)
	clock := testutil.NewClock()
	cfg := config.Default()
	sink := &events.Recorder{}
	log := zap.NewNop()

	deps := Deps{
		DB:        db,
		Cache:     c,
		Publisher: events.NewPublisher(db, sink, cfg.Kafka.Topic, clock, log),
		Audit:     NewAuditLedger(db, clock),
		Clock:     clock,
		Config:    cfg,
		Logger:    log,
	}

	h := &harness{db: db, mr: mr, cache: c, clock: clock, cfg: cfg, sink: sink, deps: deps}
	h.affiliates = NewAffiliateService(deps)
	h.clicks = NewClickRecorder(deps)
	h.attribution = NewAttributionStore(deps, h.clicks)
	h.matcher = NewConversionMatcher(deps, h.attribution)
	h.commissions = NewCommissionCalculator(deps)
	h.scorer = NewFraudScorer(deps, nil)
	h.payouts = NewPayoutBatcher(deps, lock.NewPayoutLocker(client, 5*time.Second), h.commissions)
	h.tracking = NewTrackingService(deps, h.attribution, h.matcher, h.scorer, h.commissions)
	return h
}

func (h *harness) nextID() int64 {
	return atomic.AddInt64(&h.seq, 1)
}

// enroll 开通一个佣金比例 10% 的推广员
func (h *harness) enroll(t *testing.T) *model.AffiliateUser {
	t.Helper()
	rate := decimal.NewFromInt(10)
	a, err := h.affiliates.Enroll(context.Background(), EnrollInput{UserID: 1000 + h.nextID(), CommissionRate: &rate, Actor: "admin"})
	require.NoError(t, err)
	return a
}

func (h *harness) click(t *testing.T, code, session string) *SessionRef {
	t.Helper()
	res, err := h.tracking.TrackClick(context.Background(), TrackClickInput{
		ReferralCode: code,
		ClickInput: ClickInput{
			SessionID: session,
			UserAgent: browserUA,
			Device:    "desktop",
			Country:   "US",
		},
	})
	require.NoError(t, err)
	return res.Session
}

// convert 点击后隔一分钟下单
func (h *harness) convert(t *testing.T, a *model.AffiliateUser, amount int64) (*model.Conversion, *model.Commission) {
	t.Helper()
	n := h.nextID()
	session := fmt.Sprintf("sess-%d", n)
	h.click(t, a.ReferralCode, session)
	h.clock.Advance(time.Minute)

	res, err := h.tracking.TrackConversion(context.Background(), ConversionInput{
		SessionID: session,
		OrderID:   fmt.Sprintf("order-%d", n),
		Amount:    decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Commission)
	return res.Conversion, res.Commission
}

func (h *harness) approved(t *testing.T, a *model.AffiliateUser, amount int64) *model.Commission {
	t.Helper()
	_, c := h.convert(t, a, amount)
	res, err := h.commissions.Transition(context.Background(), []int64{c.ID}, CommissionActionApprove, "admin", "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded, "approve: %+v", res.Items)
	return res.Items[0].Commission
}

func (h *harness) reloadAffiliate(t *testing.T, id int64) *model.AffiliateUser {
	t.Helper()
	a, err := h.affiliates.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) reloadCommission(t *testing.T, id int64) *model.Commission {
	t.Helper()
	var c model.Commission
	require.NoError(t, h.db.First(&c, id).Error)
	return &c
}

func (h *harness) reloadConversion(t *testing.T, id int64) *model.Conversion {
	t.Helper()
	var c model.Conversion
	require.NoError(t, h.db.First(&c, id).Error)
	return &c
}

func requireDecimal(t *testing.T, expected int64, actual decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.NewFromInt(expected).Equal(actual), "expected %d, got %s", expected, actual.String())
}

// assertNoPayoutOnUnpayable 不允许 pending / rejected 的佣金带 payout_id
func assertNoPayoutOnUnpayable(t *testing.T, db *gorm.DB) {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Commission{}).
		Where("payout_id IS NOT NULL AND status IN ?", []string{model.CommissionStatusPending, model.CommissionStatusRejected}).
		Count(&n).Error)
	require.Zero(t, n)
}
