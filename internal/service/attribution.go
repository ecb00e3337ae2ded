package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// SessionRef 会话到推广员的归因关系，缓存在 affiliate:session:{sessionId}
type SessionRef struct {
	SessionID   string    `json:"session_id"`
	AffiliateID int64     `json:"affiliate_id"`
	ClickID     int64     `json:"click_id"`
	CreatedAt   time.Time `json:"created_at"`
	// NewClick 本次调用新建了点击，重复会话为 false
	NewClick bool `json:"-"`
}

func SessionKey(sessionID string) string {
	return "affiliate:session:" + sessionID
}

// AttributionStore 维护归因会话
// 缓存只是加速，会话是否有效以点击表为准；缓存不可用时回落到数据库
type AttributionStore struct {
	affiliateRepo *repository.AffiliateRepository
	clickRepo     *repository.ClickRepository
	clicks        *ClickRecorder
	cache         cache.Cache
	window        time.Duration
	clock         clockz.Clock
	log           *zap.Logger
}

func NewAttributionStore(deps Deps, clicks *ClickRecorder) *AttributionStore {
	return &AttributionStore{
		affiliateRepo: repository.NewAffiliateRepository(deps.DB),
		clickRepo:     repository.NewClickRepository(deps.DB),
		clicks:        clicks,
		cache:         deps.Cache,
		window:        deps.Config.Business.AttributionWindow(),
		clock:         deps.Clock,
		log:           deps.Logger.Named("AttributionStore"),
	}
}

// RecordSession 校验推广码并建立会话
// 同一个 session_id 重复调用返回首次建立的归因，不会重复记录点击
func (s *AttributionStore) RecordSession(ctx context.Context, referralCode string, in ClickInput) (*SessionRef, error) {
	if referralCode == "" {
		return nil, ErrInvalidReferralCode
	}

	affiliate, err := s.affiliateRepo.GetByReferralCode(ctx, referralCode)
	if err != nil {
		if errors.Is(err, repository.ErrAffiliateNotFound) {
			return nil, ErrInvalidReferralCode
		}
		return nil, fmt.Errorf("查询推广员失败: %w", err)
	}
	if !affiliate.IsActive() {
		return nil, ErrInactiveAffiliate
	}

	click, created, err := s.clicks.RecordClick(ctx, affiliate.ID, in)
	if err != nil {
		return nil, err
	}

	ref := refFromClick(click)
	s.store(ctx, ref)
	ref.NewClick = created
	return ref, nil
}

// Resolve 查找会话的归因
// 超出归因窗口的会话即使缓存里还在也视为过期
func (s *AttributionStore) Resolve(ctx context.Context, sessionID string) (*SessionRef, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	ref, err := s.load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("读取会话缓存失败，回落到数据库", zap.String("session_id", sessionID), zap.Error(err))
		}

		click, err := s.clickRepo.GetBySessionID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrClickNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("查询点击失败: %w", err)
		}
		// 已转化的点击不能再次归因
		if click.Converted {
			return nil, ErrSessionNotFound
		}
		ref = refFromClick(click)
		if !s.expired(ref) {
			s.store(ctx, ref)
		}
	}

	if s.expired(ref) {
		return nil, ErrSessionExpired
	}
	return ref, nil
}

// Invalidate 转化成功后删除会话缓存
func (s *AttributionStore) Invalidate(ctx context.Context, sessionID string) {
	if err := s.cache.Del(ctx, SessionKey(sessionID)); err != nil {
		s.log.Warn("删除会话缓存失败", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *AttributionStore) expired(ref *SessionRef) bool {
	return s.clock.Now().Sub(ref.CreatedAt) > s.window
}

func (s *AttributionStore) load(ctx context.Context, sessionID string) (*SessionRef, error) {
	raw, err := s.cache.Get(ctx, SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	var ref SessionRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return nil, fmt.Errorf("解析会话缓存失败: %w", err)
	}
	return &ref, nil
}

// store 缓存剩余的归因窗口，已过期的会话不写缓存
func (s *AttributionStore) store(ctx context.Context, ref *SessionRef) {
	ttl := s.window - s.clock.Now().Sub(ref.CreatedAt)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		s.log.Error("序列化会话失败", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, SessionKey(ref.SessionID), string(payload), ttl); err != nil {
		s.log.Warn("写入会话缓存失败", zap.String("session_id", ref.SessionID), zap.Error(err))
	}
}

func refFromClick(click *model.Click) *SessionRef {
	return &SessionRef{
		SessionID:   click.SessionID,
		AffiliateID: click.AffiliateID,
		ClickID:     click.ID,
		CreatedAt:   click.CreatedAt,
	}
}
