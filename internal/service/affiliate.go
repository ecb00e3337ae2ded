package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"affiliate/internal/events"
	"affiliate/internal/model"
	"affiliate/internal/repository"
	"affiliate/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	referralCodeLength  = 8
	referralCodeRetries = 5
)

type EnrollInput struct {
	UserID         int64                   `json:"user_id" binding:"required"`
	CommissionRate *decimal.Decimal        `json:"commission_rate"`
	Metadata       model.AffiliateMetadata `json:"metadata"`
	Actor          string                  `json:"actor"`
}

// AffiliateService 推广员的开通与管理
// 状态修改只走这里，风控的 block 结论不会自动改状态
type AffiliateService struct {
	db            *gorm.DB
	affiliateRepo *repository.AffiliateRepository
	audit         *AuditLedger
	publisher     *events.Publisher
	defaultRate   decimal.Decimal
	baseURL       string
	clock         clockz.Clock
	log           *zap.Logger
}

func NewAffiliateService(deps Deps) *AffiliateService {
	return &AffiliateService{
		db:            deps.DB,
		affiliateRepo: repository.NewAffiliateRepository(deps.DB),
		audit:         deps.Audit,
		publisher:     deps.Publisher,
		defaultRate:   decimal.NewFromFloat(deps.Config.Business.DefaultCommissionRate),
		baseURL:       deps.Config.Server.BaseURL,
		clock:         deps.Clock,
		log:           deps.Logger.Named("AffiliateService"),
	}
}

// Enroll 开通推广员并生成唯一推广码
// 用户已开通时返回已有推广员和 ErrAlreadyEnrolled
func (s *AffiliateService) Enroll(ctx context.Context, in EnrollInput) (*model.AffiliateUser, error) {
	if in.UserID <= 0 {
		return nil, invalidArgument("user_id 不合法")
	}
	rate := s.defaultRate
	if in.CommissionRate != nil {
		rate = *in.CommissionRate
	}
	if err := validateRate(rate); err != nil {
		return nil, err
	}

	existing, err := s.affiliateRepo.GetByUserID(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询推广员失败: %w", err)
	}
	if existing != nil {
		return existing, ErrAlreadyEnrolled
	}

	for attempt := 0; attempt < referralCodeRetries; attempt++ {
		code, err := idgen.GenerateReferralCode(referralCodeLength)
		if err != nil {
			return nil, fmt.Errorf("生成推广码失败: %w", err)
		}

		affiliate := &model.AffiliateUser{
			UserID:          in.UserID,
			ReferralCode:    code,
			CommissionRate:  rate,
			Status:          model.AffiliateStatusActive,
			TotalEarnings:   decimal.Zero,
			PendingEarnings: decimal.Zero,
			PaidEarnings:    decimal.Zero,
			Metadata:        datatypes.NewJSONType(in.Metadata),
			CreatedAt:       s.clock.Now(),
		}

		batch := s.publisher.NewBatch()
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.affiliateRepo.Create(ctx, tx, affiliate); err != nil {
				return err
			}
			if err := s.audit.Record(ctx, tx, AuditRecord{
				EntityType: model.AuditEntityAffiliate,
				EntityID:   affiliate.ID,
				Action:     AuditActionCreate,
				Actor:      in.Actor,
				After:      affiliate,
			}); err != nil {
				return err
			}
			return batch.Add(ctx, tx, events.Event{
				Type:          events.AffiliateEnrolled,
				AggregateType: model.AuditEntityAffiliate,
				AggregateID:   affiliate.ID,
				AffiliateID:   affiliate.ID,
				Data: map[string]interface{}{
					"user_id":         affiliate.UserID,
					"referral_code":   affiliate.ReferralCode,
					"commission_rate": affiliate.CommissionRate.String(),
				},
			})
		})
		if err == nil {
			batch.Flush(ctx)
			s.log.Info("推广员已开通", zap.Int64("affiliate_id", affiliate.ID), zap.Int64("user_id", in.UserID))
			return affiliate, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("开通推广员失败: %w", err)
		}

		// 唯一键冲突：要么用户被并发开通，要么推广码碰撞
		existing, getErr := s.affiliateRepo.GetByUserID(ctx, in.UserID)
		if getErr != nil {
			return nil, fmt.Errorf("查询推广员失败: %w", getErr)
		}
		if existing != nil {
			return existing, ErrAlreadyEnrolled
		}
		s.log.Debug("推广码冲突，重新生成", zap.String("code", code))
	}
	return nil, fmt.Errorf("生成推广码失败: 连续 %d 次冲突", referralCodeRetries)
}

func (s *AffiliateService) Get(ctx context.Context, id int64) (*model.AffiliateUser, error) {
	return s.affiliateRepo.GetByID(ctx, nil, id)
}

// ChangeStatus 管理员停用、封禁或恢复推广员
func (s *AffiliateService) ChangeStatus(ctx context.Context, id int64, status, actor, reason string) (*model.AffiliateUser, error) {
	if _, ok := model.AffiliateStatusTransitions[status]; !ok {
		return nil, invalidArgument("不支持的状态: %s", status)
	}

	var updated *model.AffiliateUser
	batch := s.publisher.NewBatch()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		affiliate, err := s.affiliateRepo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if affiliate.Status == status {
			updated = affiliate
			return nil
		}
		before := *affiliate

		if err := s.affiliateRepo.UpdateStatus(ctx, tx, id, affiliate.Status, status); err != nil {
			if errors.Is(err, repository.ErrAffiliateStatusInvalid) {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalAffiliateTransition, affiliate.Status, status)
			}
			return err
		}
		affiliate.Status = status
		updated = affiliate

		if err := s.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityAffiliate,
			EntityID:   id,
			Action:     AuditActionStatusChange,
			Actor:      actor,
			Before:     &before,
			After:      affiliate,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, events.Event{
			Type:          events.AffiliateStatusChanged,
			AggregateType: model.AuditEntityAffiliate,
			AggregateID:   id,
			AffiliateID:   id,
			Data: map[string]interface{}{
				"from_status": before.Status,
				"to_status":   status,
				"actor":       actor,
				"reason":      reason,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	batch.Flush(ctx)
	return updated, nil
}

// ChangeRate 修改佣金比例，只影响之后生成的佣金
func (s *AffiliateService) ChangeRate(ctx context.Context, id int64, rate decimal.Decimal, actor string) (*model.AffiliateUser, error) {
	if err := validateRate(rate); err != nil {
		return nil, err
	}

	var updated *model.AffiliateUser
	batch := s.publisher.NewBatch()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		affiliate, err := s.affiliateRepo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		before := *affiliate

		if err := s.affiliateRepo.UpdateCommissionRate(ctx, tx, id, rate); err != nil {
			return fmt.Errorf("更新佣金比例失败: %w", err)
		}
		affiliate.CommissionRate = rate
		updated = affiliate

		if err := s.audit.Record(ctx, tx, AuditRecord{
			EntityType: model.AuditEntityAffiliate,
			EntityID:   id,
			Action:     AuditActionRateChange,
			Actor:      actor,
			Before:     &before,
			After:      affiliate,
		}); err != nil {
			return err
		}
		return batch.Add(ctx, tx, events.Event{
			Type:          events.AffiliateRateChanged,
			AggregateType: model.AuditEntityAffiliate,
			AggregateID:   id,
			AffiliateID:   id,
			Data: map[string]interface{}{
				"from_rate": before.CommissionRate.String(),
				"to_rate":   rate.String(),
				"actor":     actor,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	batch.Flush(ctx)
	return updated, nil
}

// ReferralLink 推广链接：落地页地址加 ref 参数
func (s *AffiliateService) ReferralLink(ctx context.Context, id int64) (string, error) {
	affiliate, err := s.affiliateRepo.GetByID(ctx, nil, id)
	if err != nil {
		return "", err
	}
	return BuildReferralLink(s.baseURL, affiliate.ReferralCode)
}

func BuildReferralLink(baseURL, code string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("落地页地址不合法: %w", err)
	}
	q := u.Query()
	q.Set("ref", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return invalidArgument("佣金比例必须在 0 到 100 之间")
	}
	return nil
}
