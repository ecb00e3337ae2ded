package handler

import (
	"errors"
	"io"
	"strconv"

	"affiliate/internal/model"
	"affiliate/internal/service"
	"affiliate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	svc *service.Services
	log *zap.Logger
}

func NewHandler(svc *service.Services, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log.Named("Handler")}
}

// ============================================================
// 推广员
// ============================================================

// Enroll 开通推广员
// POST /api/v1/affiliates
func (h *Handler) Enroll(c *gin.Context) {
	var req service.EnrollInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.Actor = actorOf(c, req.Actor)

	affiliate, err := h.svc.Affiliates.Enroll(c.Request.Context(), req)
	if errors.Is(err, service.ErrAlreadyEnrolled) {
		response.ErrorWithData(c, response.CodeAlreadyEnrolled, err.Error(), affiliate)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, affiliate)
}

// GetAffiliate GET /api/v1/affiliates/:id
func (h *Handler) GetAffiliate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	affiliate, err := h.svc.Affiliates.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"affiliate": affiliate,
		"flagged":   h.svc.Fraud.IsFlagged(c.Request.Context(), id),
	})
}

type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ChangeStatus 停用、封禁或恢复推广员
// POST /api/v1/affiliates/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	affiliate, err := h.svc.Affiliates.ChangeStatus(c.Request.Context(), id, req.Status, actorOf(c, req.Actor), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, affiliate)
}

type ChangeRateRequest struct {
	Rate  decimal.Decimal `json:"rate"`
	Actor string          `json:"actor"`
}

// ChangeRate POST /api/v1/affiliates/:id/rate
func (h *Handler) ChangeRate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ChangeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	affiliate, err := h.svc.Affiliates.ChangeRate(c.Request.Context(), id, req.Rate, actorOf(c, req.Actor))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, affiliate)
}

// ReferralLink GET /api/v1/affiliates/:id/link
func (h *Handler) ReferralLink(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	link, err := h.svc.Affiliates.ReferralLink(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"link": link})
}

// ============================================================
// 点击与转化
// ============================================================

// TrackClick POST /api/v1/track/click
func (h *Handler) TrackClick(c *gin.Context) {
	var req service.TrackClickInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	result, err := h.svc.Tracking.TrackClick(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// TrackConversion 重复订单按成功返回已有记录，duplicate 为 true
// POST /api/v1/track/conversion
func (h *Handler) TrackConversion(c *gin.Context) {
	var req service.ConversionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	result, err := h.svc.Tracking.TrackConversion(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 佣金
// ============================================================

type TransitionRequest struct {
	CommissionIDs []int64 `json:"commission_ids" binding:"required,min=1"`
	Action        string  `json:"action" binding:"required"`
	Reason        string  `json:"reason"`
	Actor         string  `json:"actor"`
}

// TransitionCommissions 批量审核、拒绝或标记已付，逐条返回结果
// POST /api/v1/commissions/transition
func (h *Handler) TransitionCommissions(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.svc.Commissions.Transition(c.Request.Context(), req.CommissionIDs, req.Action, actorOf(c, req.Actor), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 打款
// ============================================================

// PayoutSummary GET /api/v1/payouts/summary?affiliate_id=xxx
func (h *Handler) PayoutSummary(c *gin.Context) {
	affiliateID, ok := queryID(c, "affiliate_id")
	if !ok {
		return
	}
	summary, err := h.svc.Payouts.CalculatePayoutSummary(c.Request.Context(), affiliateID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, summary)
}

// CreatePayout POST /api/v1/payouts
func (h *Handler) CreatePayout(c *gin.Context) {
	var req service.CreatePayoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.Actor = actorOf(c, req.Actor)

	payout, err := h.svc.Payouts.CreatePayout(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// GetPayout GET /api/v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	payout, err := h.svc.Payouts.GetPayout(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// ListPayouts GET /api/v1/payouts?affiliate_id=xxx&page=1&page_size=10
func (h *Handler) ListPayouts(c *gin.Context) {
	affiliateID, ok := queryID(c, "affiliate_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	payouts, total, err := h.svc.Payouts.ListPayouts(c.Request.Context(), affiliateID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      payouts,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ProcessPayout POST /api/v1/payouts/:id/process
func (h *Handler) ProcessPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.ProcessPayoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.PayoutID = id
	req.Actor = actorOf(c, req.Actor)

	payout, err := h.svc.Payouts.ProcessPayout(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

type CancelPayoutRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// CancelPayout POST /api/v1/payouts/:id/cancel
func (h *Handler) CancelPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CancelPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	payout, err := h.svc.Payouts.CancelPayout(c.Request.Context(), id, req.Reason, actorOf(c, req.Actor))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// ============================================================
// 风控与审计
// ============================================================

// FraudHistory GET /api/v1/fraud/history?affiliate_id=xxx
func (h *Handler) FraudHistory(c *gin.Context) {
	affiliateID, ok := queryID(c, "affiliate_id")
	if !ok {
		return
	}
	history, err := h.svc.Fraud.History(c.Request.Context(), affiliateID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, history)
}

// AffiliateRisk GET /api/v1/fraud/affiliates/:id/analysis
func (h *Handler) AffiliateRisk(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	report, err := h.svc.Fraud.AnalyzeAffiliate(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// FraudResults GET /api/v1/fraud/results?recommendation=block&limit=100
func (h *Handler) FraudResults(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	results, err := h.svc.Fraud.Results(c.Request.Context(), c.DefaultQuery("recommendation", model.RecommendationBlock), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, results)
}

// ReviewQueue GET /api/v1/fraud/review-queue
func (h *Handler) ReviewQueue(c *gin.Context) {
	queue, err := h.svc.Fraud.ReviewQueue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, queue)
}

type ResolveReviewRequest struct {
	Subject string `json:"subject" binding:"required,oneof=click conversion flagged"`
	ID      int64  `json:"id" binding:"required"`
}

// ResolveReview 人工处理完成后移出审核队列
// POST /api/v1/fraud/review-queue/resolve
func (h *Handler) ResolveReview(c *gin.Context) {
	var req ResolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.svc.Fraud.ResolveReview(c.Request.Context(), req.Subject, req.ID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// AuditTrail GET /api/v1/audit?entity_type=commission&entity_id=xxx
func (h *Handler) AuditTrail(c *gin.Context) {
	entityType := c.Query("entity_type")
	switch entityType {
	case model.AuditEntityAffiliate, model.AuditEntityClick, model.AuditEntityConversion, model.AuditEntityCommission, model.AuditEntityPayout:
	default:
		response.ParamError(c, "entity_type 参数错误")
		return
	}
	entityID, ok := queryID(c, "entity_id")
	if !ok {
		return
	}

	entries, err := h.svc.Audit.List(c.Request.Context(), entityType, entityID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, entries)
}

// ============================================================
// 参数解析
// ============================================================

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "id 参数错误")
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

// actorOf 请求体未指定操作人时取 X-Operator 头
func actorOf(c *gin.Context, actor string) string {
	if actor != "" {
		return actor
	}
	if op := c.GetHeader("X-Operator"); op != "" {
		return op
	}
	return service.SystemActor
}
