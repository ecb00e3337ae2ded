package service

import (
	"errors"
	"fmt"
	"strings"

	"affiliate/internal/repository"
)

var (
	ErrInvalidReferralCode  = errors.New("推广码无效")
	ErrInactiveAffiliate    = errors.New("推广员未激活")
	ErrSessionExpired       = errors.New("归因会话已过期")
	ErrSessionNotFound      = errors.New("归因会话不存在")
	ErrNoAttributionSession = errors.New("没有可用的归因会话")

	// 幂等重试信号，调用方应按成功处理并使用返回的已有记录
	ErrDuplicateOrder      = errors.New("订单已存在转化记录")
	ErrDuplicateCommission = errors.New("转化已存在佣金记录")

	ErrIneligibleCommission        = errors.New("佣金不满足打款条件")
	ErrEmptyPayout                 = errors.New("打款金额必须大于0")
	ErrIllegalPayoutTransition     = errors.New("打款单状态流转不合法")
	ErrIllegalCommissionTransition = errors.New("佣金状态流转不合法")
	ErrIllegalAffiliateTransition  = errors.New("推广员状态流转不合法")
	ErrPayoutBusy                  = errors.New("打款单正在创建中，请稍后重试")
	ErrAlreadyEnrolled             = errors.New("用户已是推广员")
	ErrInvalidArgument             = errors.New("参数错误")

	ErrAffiliateNotFound  = repository.ErrAffiliateNotFound
	ErrConversionNotFound = repository.ErrConversionNotFound
	ErrCommissionNotFound = repository.ErrCommissionNotFound
	ErrPayoutNotFound     = repository.ErrPayoutNotFound
)

// IneligibleCommission 一条不能纳入打款单的佣金及原因
type IneligibleCommission struct {
	CommissionID int64  `json:"commission_id"`
	Reason       string `json:"reason"`
}

// IneligibleCommissionError 创建打款单时整批拒绝，列出所有不合格的佣金
type IneligibleCommissionError struct {
	Items []IneligibleCommission
}

func (e *IneligibleCommissionError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("#%d %s", item.CommissionID, item.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrIneligibleCommission.Error(), strings.Join(parts, "; "))
}

func (e *IneligibleCommissionError) Unwrap() error {
	return ErrIneligibleCommission
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
