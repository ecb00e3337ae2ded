package handler

import (
	"affiliate/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(svc *service.Services, mode string, log *zap.Logger) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	h := NewHandler(svc, log)

	api := r.Group("/api/v1")
	{
		affiliates := api.Group("/affiliates")
		{
			affiliates.POST("", h.Enroll)
			affiliates.GET("/:id", h.GetAffiliate)
			affiliates.POST("/:id/status", h.ChangeStatus)
			affiliates.POST("/:id/rate", h.ChangeRate)
			affiliates.GET("/:id/link", h.ReferralLink)
		}

		track := api.Group("/track")
		{
			track.POST("/click", h.TrackClick)
			track.POST("/conversion", h.TrackConversion)
		}

		api.POST("/commissions/transition", h.TransitionCommissions)

		payouts := api.Group("/payouts")
		{
			payouts.GET("", h.ListPayouts)
			payouts.POST("", h.CreatePayout)
			payouts.GET("/summary", h.PayoutSummary)
			payouts.GET("/:id", h.GetPayout)
			payouts.POST("/:id/process", h.ProcessPayout)
			payouts.POST("/:id/cancel", h.CancelPayout)
		}

		fraud := api.Group("/fraud")
		{
			fraud.GET("/history", h.FraudHistory)
			fraud.GET("/results", h.FraudResults)
			fraud.GET("/affiliates/:id/analysis", h.AffiliateRisk)
			fraud.GET("/review-queue", h.ReviewQueue)
			fraud.POST("/review-queue/resolve", h.ResolveReview)
		}

		api.GET("/audit", h.AuditTrail)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
