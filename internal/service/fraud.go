package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/events"
	"affiliate/internal/fraud"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FraudScorer 风控评分
// 计数器都在缓存里，缓存故障时对应指标按未命中处理，不阻断请求。
// block 只是建议：推广员被放进标记集合并发出告警，状态不会被自动修改
type FraudScorer struct {
	db             *gorm.DB
	registry       *fraud.Registry
	cache          cache.Cache
	fraudRepo      *repository.FraudResultRepository
	conversionRepo *repository.ConversionRepository
	clickRepo      *repository.ClickRepository
	affiliateRepo  *repository.AffiliateRepository
	publisher      *events.Publisher
	cfg            config.FraudConfig
	clock          clockz.Clock
	log            *zap.Logger
}

func NewFraudScorer(deps Deps, registry *fraud.Registry) *FraudScorer {
	if registry == nil {
		registry = fraud.DefaultRegistry(deps.Config.Fraud, deps.Cache)
	}
	return &FraudScorer{
		db:             deps.DB,
		registry:       registry,
		cache:          deps.Cache,
		fraudRepo:      repository.NewFraudResultRepository(deps.DB),
		conversionRepo: repository.NewConversionRepository(deps.DB),
		clickRepo:      repository.NewClickRepository(deps.DB),
		affiliateRepo:  repository.NewAffiliateRepository(deps.DB),
		publisher:      deps.Publisher,
		cfg:            deps.Config.Fraud,
		clock:          deps.Clock,
		log:            deps.Logger.Named("FraudScorer"),
	}
}

func (s *FraudScorer) AnalyzeClick(ctx context.Context, sig *fraud.Signal) (*model.FraudAnalysisResult, error) {
	sig.Subject = model.FraudSubjectClick
	return s.analyze(ctx, sig)
}

// AnalyzeConversion 结果会同步写回转化记录
func (s *FraudScorer) AnalyzeConversion(ctx context.Context, sig *fraud.Signal) (*model.FraudAnalysisResult, error) {
	sig.Subject = model.FraudSubjectConversion
	return s.analyze(ctx, sig)
}

func (s *FraudScorer) analyze(ctx context.Context, sig *fraud.Signal) (*model.FraudAnalysisResult, error) {
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = s.clock.Now()
	}

	fired := make([]model.FraudIndicator, 0)
	for _, ind := range s.registry.For(sig.Subject) {
		hit, err := ind.Evaluate(ctx, sig)
		if err != nil {
			s.log.Warn("风控指标计算失败，按未命中处理",
				zap.String("indicator", ind.Name()), zap.Int64("affiliate_id", sig.AffiliateID), zap.Error(err))
			continue
		}
		if hit != nil {
			fired = append(fired, *hit)
		}
	}

	score := fraud.Score(fired)
	riskLevel, recommendation := fraud.Classify(score, s.cfg)
	result := &model.FraudAnalysisResult{
		AffiliateID:    sig.AffiliateID,
		SessionID:      sig.SessionID,
		Subject:        sig.Subject,
		Indicators:     datatypes.JSONSlice[model.FraudIndicator](fired),
		Score:          score,
		RiskLevel:      riskLevel,
		Recommendation: recommendation,
		CreatedAt:      s.clock.Now(),
	}
	if sig.Subject == model.FraudSubjectConversion && sig.ConversionID > 0 {
		conversionID := sig.ConversionID
		result.ConversionID = &conversionID
	}

	batch := s.publisher.NewBatch()
	if score > 0 || recommendation == model.RecommendationBlock {
		if err := s.persist(ctx, batch, result); err != nil {
			return nil, err
		}
	}

	s.remember(ctx, result)
	batch.Flush(ctx)

	if recommendation != model.RecommendationAllow {
		s.log.Warn("风控命中",
			zap.Int64("affiliate_id", result.AffiliateID),
			zap.String("subject", result.Subject),
			zap.Int("score", score),
			zap.String("recommendation", recommendation))
	}
	return result, nil
}

// persist 分析结果、转化上的风控字段和告警事件在一个事务里写入
func (s *FraudScorer) persist(ctx context.Context, batch *events.Batch, result *model.FraudAnalysisResult) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.fraudRepo.Create(ctx, tx, result); err != nil {
			return fmt.Errorf("保存风控结果失败: %w", err)
		}
		if result.ConversionID != nil {
			if err := s.conversionRepo.SetFraudResult(ctx, tx, *result.ConversionID, result.Score, result.RiskLevel, result.Recommendation); err != nil {
				return fmt.Errorf("更新转化风控结果失败: %w", err)
			}
		}

		data := map[string]interface{}{
			"result_id":  result.ID,
			"subject":    result.Subject,
			"score":      result.Score,
			"risk_level": result.RiskLevel,
			"session_id": result.SessionID,
		}
		if result.ConversionID != nil {
			data["conversion_id"] = *result.ConversionID
		}

		switch result.Recommendation {
		case model.RecommendationBlock:
			return batch.Add(ctx, tx, events.Event{
				Type:          events.FraudAffiliateFlagged,
				AggregateType: model.AuditEntityAffiliate,
				AggregateID:   result.AffiliateID,
				AffiliateID:   result.AffiliateID,
				Data:          data,
			})
		case model.RecommendationReview:
			return batch.Add(ctx, tx, events.Event{
				Type:          events.FraudReviewQueued,
				AggregateType: result.Subject,
				AggregateID:   reviewTarget(result),
				AffiliateID:   result.AffiliateID,
				Data:          data,
			})
		}
		return nil
	})
	if err != nil {
		batch.Reset()
	}
	return err
}

// remember 写入处置集合与最近历史，失败只记日志
func (s *FraudScorer) remember(ctx context.Context, result *model.FraudAnalysisResult) {
	switch result.Recommendation {
	case model.RecommendationBlock:
		if _, err := s.cache.SAdd(ctx, fraud.FlaggedAffiliatesKey, strconv.FormatInt(result.AffiliateID, 10), 0); err != nil {
			s.log.Warn("写入标记集合失败", zap.Int64("affiliate_id", result.AffiliateID), zap.Error(err))
		}
	case model.RecommendationReview:
		key := fraud.ReviewAffiliatesKey
		if result.ConversionID != nil {
			key = fraud.ReviewConversionsKey
		}
		if _, err := s.cache.SAdd(ctx, key, strconv.FormatInt(reviewTarget(result), 10), 0); err != nil {
			s.log.Warn("写入审核队列失败", zap.Int64("affiliate_id", result.AffiliateID), zap.Error(err))
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.log.Error("序列化风控结果失败", zap.Error(err))
		return
	}
	if err := s.cache.LPushTrim(ctx, fraud.HistoryKey(result.AffiliateID), string(payload), s.cfg.HistorySize, s.cfg.HistoryTTL()); err != nil {
		s.log.Warn("写入风控历史失败", zap.Int64("affiliate_id", result.AffiliateID), zap.Error(err))
	}
}

// reviewTarget 转化分析进入转化审核队列，点击分析进入推广员审核队列
func reviewTarget(result *model.FraudAnalysisResult) int64 {
	if result.ConversionID != nil {
		return *result.ConversionID
	}
	return result.AffiliateID
}

// History 推广员最近的风控结果，新的在前
// 缓存为空或不可用时从数据库读取已落库的结果
func (s *FraudScorer) History(ctx context.Context, affiliateID int64) ([]*model.FraudAnalysisResult, error) {
	raw, err := s.cache.LRange(ctx, fraud.HistoryKey(affiliateID), 0, s.cfg.HistorySize-1)
	if err != nil {
		s.log.Warn("读取风控历史缓存失败", zap.Int64("affiliate_id", affiliateID), zap.Error(err))
	}
	if err == nil && len(raw) > 0 {
		results := make([]*model.FraudAnalysisResult, 0, len(raw))
		for _, item := range raw {
			var r model.FraudAnalysisResult
			if err := json.Unmarshal([]byte(item), &r); err != nil {
				s.log.Warn("解析风控历史失败", zap.Error(err))
				continue
			}
			results = append(results, &r)
		}
		return results, nil
	}

	results, err := s.fraudRepo.ListByAffiliateID(ctx, affiliateID, int(s.cfg.HistorySize))
	if err != nil {
		return nil, fmt.Errorf("查询风控历史失败: %w", err)
	}
	return results, nil
}

// AffiliateRiskReport 推广员整体风险评估
type AffiliateRiskReport struct {
	OverallRisk     *model.FraudAnalysisResult `json:"overall_risk"`
	Patterns        fraud.AffiliatePatterns    `json:"historical_patterns"`
	Recommendations []string                   `json:"recommendations"`
}

// AnalyzeAffiliate 基于数据库里最近的点击和转化做整体评估
// 点击和比率指标看 24 小时，金额分布看 7 天。评估结果只返回，不落库也不触发处置
func (s *FraudScorer) AnalyzeAffiliate(ctx context.Context, affiliateID int64) (*AffiliateRiskReport, error) {
	if _, err := s.affiliateRepo.GetByID(ctx, nil, affiliateID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	dayAgo := now.Add(-fraud.WindowDay)
	clicks, err := s.clickRepo.ListByAffiliateSince(ctx, affiliateID, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("查询点击失败: %w", err)
	}
	weekConversions, err := s.conversionRepo.ListByAffiliateSince(ctx, affiliateID, now.Add(-fraud.WindowWeek))
	if err != nil {
		return nil, fmt.Errorf("查询转化失败: %w", err)
	}

	dayConversions := make([]*model.Conversion, 0, len(weekConversions))
	clickIDs := make([]int64, 0, len(weekConversions))
	for _, c := range weekConversions {
		if !c.CreatedAt.Before(dayAgo) {
			dayConversions = append(dayConversions, c)
			clickIDs = append(clickIDs, c.ClickID)
		}
	}
	converted, err := s.clickRepo.ListByIDs(ctx, clickIDs)
	if err != nil {
		return nil, fmt.Errorf("查询点击失败: %w", err)
	}
	clickedAt := make(map[int64]time.Time, len(converted))
	for _, c := range converted {
		clickedAt[c.ID] = c.CreatedAt
	}

	metrics := fraud.ComputeMetrics(clicks, dayConversions, clickedAt)
	patterns := fraud.AffiliatePatterns{
		Clicks:       fraud.AnalyzeClickPatterns(clicks),
		Conversions:  fraud.AnalyzeConversionPatterns(weekConversions),
		Velocity:     fraud.Velocity(clicks, now),
		Metrics:      metrics,
		AnomalyScore: fraud.AnomalyScore(metrics),
	}

	fired := fraud.AssessAffiliate(patterns, s.cfg)
	score := fraud.Score(fired)
	riskLevel, recommendation := fraud.Classify(score, s.cfg)
	report := &AffiliateRiskReport{
		OverallRisk: &model.FraudAnalysisResult{
			AffiliateID:    affiliateID,
			Subject:        model.FraudSubjectAffiliate,
			Indicators:     datatypes.JSONSlice[model.FraudIndicator](fired),
			Score:          score,
			RiskLevel:      riskLevel,
			Recommendation: recommendation,
			CreatedAt:      now,
		},
		Patterns:        patterns,
		Recommendations: fraud.Recommendations(riskLevel, patterns, s.cfg),
	}

	if recommendation != model.RecommendationAllow {
		s.log.Warn("推广员整体评估存在风险",
			zap.Int64("affiliate_id", affiliateID),
			zap.Int("score", score),
			zap.String("risk_level", riskLevel))
	}
	return report, nil
}

// Results 按处置建议查询已落库的风控结果，新的在前
func (s *FraudScorer) Results(ctx context.Context, recommendation string, limit int) ([]*model.FraudAnalysisResult, error) {
	switch recommendation {
	case model.RecommendationAllow, model.RecommendationReview, model.RecommendationBlock:
	default:
		return nil, invalidArgument("不支持的处置建议: %s", recommendation)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.fraudRepo.ListByRecommendation(ctx, recommendation, limit)
}

// IsFlagged 推广员是否被风控标记，缓存不可用时返回 false
func (s *FraudScorer) IsFlagged(ctx context.Context, affiliateID int64) bool {
	flagged, err := s.cache.SIsMember(ctx, fraud.FlaggedAffiliatesKey, strconv.FormatInt(affiliateID, 10))
	if err != nil {
		s.log.Warn("读取标记集合失败", zap.Int64("affiliate_id", affiliateID), zap.Error(err))
		return false
	}
	return flagged
}

// ReviewQueue 待人工审核的对象
type ReviewQueue struct {
	FlaggedAffiliateIDs []int64 `json:"flagged_affiliate_ids"`
	AffiliateIDs        []int64 `json:"affiliate_ids"`
	ConversionIDs       []int64 `json:"conversion_ids"`
}

func (s *FraudScorer) ReviewQueue(ctx context.Context) (*ReviewQueue, error) {
	queue := &ReviewQueue{}
	for _, target := range []struct {
		key string
		out *[]int64
	}{
		{fraud.FlaggedAffiliatesKey, &queue.FlaggedAffiliateIDs},
		{fraud.ReviewAffiliatesKey, &queue.AffiliateIDs},
		{fraud.ReviewConversionsKey, &queue.ConversionIDs},
	} {
		members, err := s.cache.SMembers(ctx, target.key)
		if err != nil {
			return nil, fmt.Errorf("读取审核队列失败: %w", err)
		}
		*target.out = parseIDs(members)
	}
	return queue, nil
}

// ReviewSubjectFlagged 解除 block 标记时使用的对象类型
const ReviewSubjectFlagged = "flagged"

// ResolveReview 人工处理完成后移出审核队列
func (s *FraudScorer) ResolveReview(ctx context.Context, subject string, id int64) error {
	key := fraud.ReviewAffiliatesKey
	switch subject {
	case model.FraudSubjectConversion:
		key = fraud.ReviewConversionsKey
	case ReviewSubjectFlagged:
		key = fraud.FlaggedAffiliatesKey
	}
	return s.cache.SRem(ctx, key, strconv.FormatInt(id, 10))
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
