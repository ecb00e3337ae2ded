package service

import (
	"context"
	"errors"
	"fmt"

	"affiliate/internal/fraud"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"go.uber.org/zap"
)

// TrackClickInput 推广链接点击
type TrackClickInput struct {
	ReferralCode string `json:"referral_code" binding:"required"`
	ClickInput
}

type TrackClickResult struct {
	Session *SessionRef                `json:"session"`
	Fraud   *model.FraudAnalysisResult `json:"fraud,omitempty"`
}

type TrackConversionResult struct {
	Conversion *model.Conversion          `json:"conversion"`
	Commission *model.Commission          `json:"commission,omitempty"`
	Fraud      *model.FraudAnalysisResult `json:"fraud,omitempty"`
	Duplicate  bool                       `json:"duplicate"`
}

// TrackingService 串联点击与转化的完整链路
// 风控失败不影响点击和转化本身，只记录日志
type TrackingService struct {
	attribution    *AttributionStore
	matcher        *ConversionMatcher
	scorer         *FraudScorer
	commissions    *CommissionCalculator
	clickRepo      *repository.ClickRepository
	commissionRepo *repository.CommissionRepository
	log            *zap.Logger
}

func NewTrackingService(deps Deps, attribution *AttributionStore, matcher *ConversionMatcher, scorer *FraudScorer, commissions *CommissionCalculator) *TrackingService {
	return &TrackingService{
		attribution:    attribution,
		matcher:        matcher,
		scorer:         scorer,
		commissions:    commissions,
		clickRepo:      repository.NewClickRepository(deps.DB),
		commissionRepo: repository.NewCommissionRepository(deps.DB),
		log:            deps.Logger.Named("TrackingService"),
	}
}

// TrackClick 建立会话后做点击风控
// 同一会话的重复点击同样参与计数，用于识别刷点击
func (s *TrackingService) TrackClick(ctx context.Context, in TrackClickInput) (*TrackClickResult, error) {
	ref, err := s.attribution.RecordSession(ctx, in.ReferralCode, in.ClickInput)
	if err != nil {
		return nil, err
	}

	result := &TrackClickResult{Session: ref}
	analysis, err := s.scorer.AnalyzeClick(ctx, &fraud.Signal{
		AffiliateID: ref.AffiliateID,
		SessionID:   ref.SessionID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		ReferrerURL: in.ReferrerURL,
		Country:     in.Country,
		Device:      in.Device,
		ClickedAt:   ref.CreatedAt,
		NewClick:    ref.NewClick,
	})
	if err != nil {
		s.log.Error("点击风控失败", zap.String("session_id", ref.SessionID), zap.Error(err))
	} else {
		result.Fraud = analysis
	}
	return result, nil
}

// TrackConversion 归因、风控、计算佣金
// 订单重复时返回已有转化与佣金，Duplicate=true
func (s *TrackingService) TrackConversion(ctx context.Context, in ConversionInput) (*TrackConversionResult, error) {
	conversion, err := s.matcher.MatchConversion(ctx, in)
	if errors.Is(err, ErrDuplicateOrder) {
		commission, getErr := s.commissionRepo.GetByConversionID(ctx, conversion.ID)
		if getErr != nil {
			return nil, fmt.Errorf("查询佣金失败: %w", getErr)
		}
		// 上次转化已落库但佣金没有生成，重试时补上
		if commission == nil {
			commission, getErr = s.commissions.Calculate(ctx, conversion.ID)
			if getErr != nil && !errors.Is(getErr, ErrDuplicateCommission) {
				return nil, getErr
			}
			if commission != nil {
				conversion.CommissionRate = commission.Rate
				conversion.CommissionAmount = commission.Amount
			}
			s.log.Info("补算缺失的佣金", zap.Int64("conversion_id", conversion.ID))
		}
		return &TrackConversionResult{Conversion: conversion, Commission: commission, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &TrackConversionResult{Conversion: conversion}

	sig := &fraud.Signal{
		AffiliateID:  conversion.AffiliateID,
		SessionID:    conversion.SessionID,
		ConversionID: conversion.ID,
		IPAddress:    conversion.IPAddress,
		Device:       conversion.Device,
		OrderAmount:  conversion.OrderAmount,
		OccurredAt:   conversion.CreatedAt,
	}
	if click, err := s.clickRepo.GetByID(ctx, conversion.ClickID); err == nil {
		sig.ClickedAt = click.CreatedAt
		sig.UserAgent = click.UserAgent
		sig.Country = click.Country
	} else {
		s.log.Warn("查询点击失败", zap.Int64("click_id", conversion.ClickID), zap.Error(err))
	}

	analysis, err := s.scorer.AnalyzeConversion(ctx, sig)
	if err != nil {
		s.log.Error("转化风控失败", zap.Int64("conversion_id", conversion.ID), zap.Error(err))
	} else {
		result.Fraud = analysis
		conversion.FraudScore = analysis.Score
		conversion.RiskLevel = analysis.RiskLevel
		conversion.FraudRecommendation = analysis.Recommendation
	}

	// 风控结论只是建议，佣金照常生成为 pending，由人工审核决定是否拒绝
	commission, err := s.commissions.Calculate(ctx, conversion.ID)
	if err != nil && !errors.Is(err, ErrDuplicateCommission) {
		return nil, err
	}
	result.Commission = commission
	if commission != nil {
		conversion.CommissionRate = commission.Rate
		conversion.CommissionAmount = commission.Amount
	}
	return result, nil
}
