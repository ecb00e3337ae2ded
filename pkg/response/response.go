package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
const (
	CodeAffiliateNotFound      = 1001
	CodeAffiliateInactive      = 1002
	CodeInvalidReferralCode    = 1003
	CodeAlreadyEnrolled        = 1004
	CodeSessionExpired         = 1101
	CodeSessionNotFound        = 1102
	CodeDuplicateOrder         = 1103
	CodeConversionNotFound     = 1104
	CodeCommissionNotFound     = 1201
	CodeDuplicateCommission    = 1202
	CodeCommissionStatusError  = 1203
	CodePayoutNotFound         = 1301
	CodeIneligibleCommission   = 1302
	CodeEmptyPayout            = 1303
	CodePayoutStatusError      = 1304
	CodePayoutBusy             = 1305
	CodeAffiliateStatusInvalid = 1401
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 业务失败但需要带回明细，例如不可结算的佣金列表
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
