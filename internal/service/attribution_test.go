package service

import (
	"context"
	"testing"
	"time"

	"affiliate/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)

	ref, err := h.attribution.RecordSession(ctx, a.ReferralCode, ClickInput{SessionID: "S1", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, ref.AffiliateID)
	assert.True(t, h.mr.Exists(SessionKey("S1")))

	other := h.enroll(t)
	h.clock.Advance(time.Minute)
	again, err := h.attribution.RecordSession(ctx, other.ReferralCode, ClickInput{SessionID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, ref.ClickID, again.ClickID)
	assert.Equal(t, a.ID, again.AffiliateID, "first click wins")

	var clicks int64
	require.NoError(t, h.db.Model(&model.Click{}).Count(&clicks).Error)
	assert.Equal(t, int64(1), clicks)
	assert.Equal(t, int64(0), h.reloadAffiliate(t, other.ID).TotalClicks)
}

func TestRecordSessionRejectsInactiveAffiliate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	_, err := h.affiliates.ChangeStatus(ctx, a.ID, model.AffiliateStatusSuspended, "admin", "fraud")
	require.NoError(t, err)

	_, err = h.attribution.RecordSession(ctx, a.ReferralCode, ClickInput{SessionID: "S1"})
	assert.ErrorIs(t, err, ErrInactiveAffiliate)

	_, err = h.attribution.RecordSession(ctx, "", ClickInput{SessionID: "S1"})
	assert.ErrorIs(t, err, ErrInvalidReferralCode)
}

func TestResolveExpiresAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	h.click(t, a.ReferralCode, "S1")

	h.clock.Advance(30 * 24 * time.Hour)
	ref, err := h.attribution.Resolve(ctx, "S1")
	require.NoError(t, err, "exactly at the window edge is still valid")
	assert.Equal(t, a.ID, ref.AffiliateID)

	h.clock.Advance(time.Minute)
	// 缓存里仍有会话，但已超出归因窗口
	require.True(t, h.mr.Exists(SessionKey("S1")))
	_, err = h.attribution.Resolve(ctx, "S1")
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = h.matcher.MatchConversion(ctx, ConversionInput{SessionID: "S1", OrderID: "O1", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrNoAttributionSession)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestResolveFallsBackToDatabase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	clicked := h.click(t, a.ReferralCode, "S1")

	h.mr.FlushAll()
	ref, err := h.attribution.Resolve(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, clicked.ClickID, ref.ClickID)
	assert.True(t, h.mr.Exists(SessionKey("S1")), "resolved session is cached again")

	_, err = h.attribution.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResolveSurvivesCacheOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	h.mr.Close()

	res, err := h.tracking.TrackClick(ctx, TrackClickInput{
		ReferralCode: a.ReferralCode,
		ClickInput:   ClickInput{SessionID: "S1", UserAgent: browserUA, IPAddress: "10.0.0.1"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Fraud)
	assert.Zero(t, res.Fraud.Score)

	ref, err := h.attribution.Resolve(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, res.Session.ClickID, ref.ClickID)
}

func TestConvertedSessionCannotBeReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.enroll(t)
	h.click(t, a.ReferralCode, "S1")
	h.clock.Advance(time.Minute)

	_, err := h.matcher.MatchConversion(ctx, ConversionInput{SessionID: "S1", OrderID: "O1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.False(t, h.mr.Exists(SessionKey("S1")), "session invalidated after conversion")

	_, err = h.attribution.Resolve(ctx, "S1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.matcher.MatchConversion(ctx, ConversionInput{SessionID: "S1", OrderID: "O2", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrNoAttributionSession)
}
