package handler

import (
	"errors"

	"affiliate/internal/service"
	"affiliate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 顺序有意义：ErrNoAttributionSession 会包装过期或不存在的原因
var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrInvalidArgument, response.CodeParamError},
	{service.ErrAffiliateNotFound, response.CodeAffiliateNotFound},
	{service.ErrInactiveAffiliate, response.CodeAffiliateInactive},
	{service.ErrInvalidReferralCode, response.CodeInvalidReferralCode},
	{service.ErrAlreadyEnrolled, response.CodeAlreadyEnrolled},
	{service.ErrSessionExpired, response.CodeSessionExpired},
	{service.ErrSessionNotFound, response.CodeSessionNotFound},
	{service.ErrNoAttributionSession, response.CodeSessionNotFound},
	{service.ErrDuplicateOrder, response.CodeDuplicateOrder},
	{service.ErrConversionNotFound, response.CodeConversionNotFound},
	{service.ErrCommissionNotFound, response.CodeCommissionNotFound},
	{service.ErrDuplicateCommission, response.CodeDuplicateCommission},
	{service.ErrIllegalCommissionTransition, response.CodeCommissionStatusError},
	{service.ErrPayoutNotFound, response.CodePayoutNotFound},
	{service.ErrEmptyPayout, response.CodeEmptyPayout},
	{service.ErrIllegalPayoutTransition, response.CodePayoutStatusError},
	{service.ErrPayoutBusy, response.CodePayoutBusy},
	{service.ErrIllegalAffiliateTransition, response.CodeAffiliateStatusInvalid},
}

// fail 业务错误转成对应错误码，其余按服务端错误处理
func (h *Handler) fail(c *gin.Context, err error) {
	var ineligible *service.IneligibleCommissionError
	if errors.As(err, &ineligible) {
		response.ErrorWithData(c, response.CodeIneligibleCommission, service.ErrIneligibleCommission.Error(), ineligible.Items)
		return
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			response.BusinessError(c, ec.code, err.Error())
			return
		}
	}

	h.log.Error("请求处理失败",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	response.ServerError(c, "服务器内部错误")
}
