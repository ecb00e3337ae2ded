package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/events"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/model"
	"affiliate/internal/service"
	"affiliate/internal/testutil"
	"affiliate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

type apiResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	clock  *clockz.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)
	clock := testutil.NewClock()
	cfg := config.Default()
	log := zap.NewNop()

	deps := service.Deps{
		DB:        db,
		Cache:     cache.NewRedisCache(client, 200*time.Millisecond),
		Publisher: events.NewPublisher(db, nil, cfg.Kafka.Topic, clock, log),
		Audit:     service.NewAuditLedger(db, clock),
		Clock:     clock,
		Config:    cfg,
		Logger:    log,
	}
	svc := service.NewServices(deps, lock.NewPayoutLocker(client, 5*time.Second))
	return &testServer{router: SetupRouter(svc, gin.TestMode, log), clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) apiResult {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operator", "ops")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res apiResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func decode[T any](t *testing.T, res apiResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(res.Data, &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAffiliateToPayoutOverHTTP(t *testing.T) {
	s := newTestServer(t)

	res := s.do(t, http.MethodPost, "/api/v1/affiliates", gin.H{"user_id": 7, "commission_rate": "10"})
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	affiliate := decode[model.AffiliateUser](t, res)

	res = s.do(t, http.MethodPost, "/api/v1/affiliates", gin.H{"user_id": 7})
	assert.Equal(t, response.CodeAlreadyEnrolled, res.Code)

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/affiliates/%d/link", affiliate.ID), nil)
	require.Equal(t, response.CodeSuccess, res.Code)
	assert.Equal(t, "http://localhost:3000?ref="+affiliate.ReferralCode, decode[map[string]string](t, res)["link"])

	res = s.do(t, http.MethodPost, "/api/v1/track/click", gin.H{
		"referral_code": affiliate.ReferralCode,
		"session_id":    "S1",
		"user_agent":    "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Safari/605.1.15",
	})
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	clicked := decode[service.TrackClickResult](t, res)

	s.clock.Advance(time.Hour)
	res = s.do(t, http.MethodPost, "/api/v1/track/conversion", gin.H{"session_id": "S1", "order_id": "O1", "amount": "100.00"})
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	tracked := decode[service.TrackConversionResult](t, res)
	require.NotNil(t, tracked.Commission)
	assert.Equal(t, "10", tracked.Commission.Amount.String())

	res = s.do(t, http.MethodPost, "/api/v1/track/conversion", gin.H{"session_id": "S1", "order_id": "O1", "amount": "100.00"})
	require.Equal(t, response.CodeSuccess, res.Code)
	assert.True(t, decode[service.TrackConversionResult](t, res).Duplicate)

	res = s.do(t, http.MethodPost, "/api/v1/commissions/transition", gin.H{
		"commission_ids": []int64{tracked.Commission.ID, 9999},
		"action":         "approve",
	})
	require.Equal(t, response.CodeSuccess, res.Code)
	batch := decode[service.BatchResult](t, res)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, "ops", batch.Items[0].Commission.ApprovedBy)

	res = s.do(t, http.MethodPost, "/api/v1/payouts", gin.H{
		"affiliate_id":   affiliate.ID,
		"commission_ids": []int64{tracked.Commission.ID},
		"method":         "paypal",
	})
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	payout := decode[model.Payout](t, res)
	assert.Equal(t, model.PayoutStatusPending, payout.Status)

	res = s.do(t, http.MethodPost, "/api/v1/payouts", gin.H{
		"affiliate_id":   affiliate.ID,
		"commission_ids": []int64{tracked.Commission.ID},
		"method":         "paypal",
	})
	assert.Equal(t, response.CodeIneligibleCommission, res.Code)
	items := decode[[]service.IneligibleCommission](t, res)
	require.Len(t, items, 1)
	assert.Equal(t, tracked.Commission.ID, items[0].CommissionID)

	res = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payouts/%d/process", payout.ID), gin.H{"status": "completed"})
	assert.Equal(t, response.CodeParamError, res.Code, "completed needs a transaction reference")

	res = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payouts/%d/process", payout.ID), gin.H{"status": "completed", "transaction_ref": "PP-1"})
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	assert.Equal(t, model.PayoutStatusCompleted, decode[model.Payout](t, res).Status)

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/affiliates/%d", affiliate.ID), nil)
	require.Equal(t, response.CodeSuccess, res.Code)
	detail := decode[struct {
		Affiliate model.AffiliateUser `json:"affiliate"`
		Flagged   bool                `json:"flagged"`
	}](t, res)
	assert.Equal(t, "10", detail.Affiliate.PaidEarnings.String())
	assert.True(t, detail.Affiliate.PendingEarnings.IsZero())

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/payouts?affiliate_id=%d", affiliate.ID), nil)
	require.Equal(t, response.CodeSuccess, res.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, res)["total"])

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/audit?entity_type=commission&entity_id=%d", tracked.Commission.ID), nil)
	require.Equal(t, response.CodeSuccess, res.Code)
	entries := decode[[]model.AuditEntry](t, res)
	require.NotEmpty(t, entries)
	assert.Equal(t, service.AuditActionCreate, entries[0].Action)

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/audit?entity_type=click&entity_id=%d", clicked.Session.ClickID), nil)
	require.Equal(t, response.CodeSuccess, res.Code)
	entries = decode[[]model.AuditEntry](t, res)
	require.Len(t, entries, 2)
	assert.Equal(t, service.AuditActionCreate, entries[0].Action)
	assert.Equal(t, service.AuditActionConverted, entries[1].Action)

	res = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/fraud/affiliates/%d/analysis", affiliate.ID), nil)
	require.Equal(t, response.CodeSuccess, res.Code, res.Message)
	report := decode[service.AffiliateRiskReport](t, res)
	assert.Equal(t, model.FraudSubjectAffiliate, report.OverallRisk.Subject)
	assert.Equal(t, 1, report.Patterns.Clicks.TotalClicks)
}

func TestErrorCodes(t *testing.T) {
	s := newTestServer(t)

	res := s.do(t, http.MethodPost, "/api/v1/track/click", gin.H{"referral_code": "NOPE", "session_id": "S1"})
	assert.Equal(t, response.CodeInvalidReferralCode, res.Code)

	res = s.do(t, http.MethodPost, "/api/v1/track/click", gin.H{"referral_code": "NOPE"})
	assert.Equal(t, response.CodeParamError, res.Code)

	res = s.do(t, http.MethodPost, "/api/v1/track/conversion", gin.H{"session_id": "missing", "amount": "10"})
	assert.Equal(t, response.CodeSessionNotFound, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/affiliates/42", nil)
	assert.Equal(t, response.CodeAffiliateNotFound, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/affiliates/abc", nil)
	assert.Equal(t, response.CodeParamError, res.Code)

	res = s.do(t, http.MethodPost, "/api/v1/payouts/42/cancel", nil)
	assert.Equal(t, response.CodePayoutNotFound, res.Code)

	res = s.do(t, http.MethodPost, "/api/v1/commissions/transition", gin.H{"commission_ids": []int64{1}, "action": "delete"})
	assert.Equal(t, response.CodeParamError, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/audit?entity_type=order&entity_id=1", nil)
	assert.Equal(t, response.CodeParamError, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/fraud/review-queue", nil)
	assert.Equal(t, response.CodeSuccess, res.Code)

	res = s.do(t, http.MethodGet, "/api/v1/fraud/affiliates/42/analysis", nil)
	assert.Equal(t, response.CodeAffiliateNotFound, res.Code)
}
