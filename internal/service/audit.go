package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"affiliate/internal/model"
	"affiliate/internal/repository"

	"github.com/zoobzio/clockz"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 审计动作
const (
	AuditActionCreate        = "create"
	AuditActionStatusChange  = "status_change"
	AuditActionRateChange    = "rate_change"
	AuditActionReconcile     = "reconcile_earnings"
	AuditActionPayoutClaim   = "payout_claim"
	AuditActionPayoutRelease = "payout_release"
	AuditActionConverted     = "converted"
)

// SystemActor 系统自动触发的变更
const SystemActor = "system"

// 快照里不参与比较的字段
var auditIgnoredFields = map[string]bool{
	"updated_at": true,
}

// AuditRecord 一次状态变更，Before 为空表示新建
type AuditRecord struct {
	EntityType string
	EntityID   int64
	Action     string
	Actor      string
	Before     interface{}
	After      interface{}
}

// AuditLedger 审计流水，与业务变更写在同一个事务里
type AuditLedger struct {
	auditRepo *repository.AuditRepository
	clock     clockz.Clock
}

func NewAuditLedger(db *gorm.DB, clock clockz.Clock) *AuditLedger {
	return &AuditLedger{
		auditRepo: repository.NewAuditRepository(db),
		clock:     clock,
	}
}

func (l *AuditLedger) Record(ctx context.Context, tx *gorm.DB, rec AuditRecord) error {
	before, err := snapshot(rec.Before)
	if err != nil {
		return err
	}
	after, err := snapshot(rec.After)
	if err != nil {
		return err
	}

	actor := rec.Actor
	if actor == "" {
		actor = SystemActor
	}

	entry := &model.AuditEntry{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Action:     rec.Action,
		Actor:      actor,
		Before:     before,
		After:      after,
		Diff:       diff(before, after),
		CreatedAt:  l.clock.Now(),
	}
	if err := l.auditRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("写入审计流水失败: %w", err)
	}
	return nil
}

// List 实体的全部审计记录，按时间正序
func (l *AuditLedger) List(ctx context.Context, entityType string, entityID int64) ([]*model.AuditEntry, error) {
	return l.auditRepo.ListByEntity(ctx, entityType, entityID)
}

// snapshot 把实体转成 JSON 对象，和对外输出的字段保持一致
func snapshot(v interface{}) (datatypes.JSONMap, error) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化审计快照失败: %w", err)
	}
	m := datatypes.JSONMap{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("序列化审计快照失败: %w", err)
	}
	return m, nil
}

// diff 逐字段比较，记录 {"from": 旧值, "to": 新值}
func diff(before, after datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, newVal := range after {
		if auditIgnoredFields[k] {
			continue
		}
		oldVal, ok := before[k]
		if ok && reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		out[k] = map[string]interface{}{"from": oldVal, "to": newVal}
	}
	for k, oldVal := range before {
		if auditIgnoredFields[k] {
			continue
		}
		if _, ok := after[k]; !ok {
			out[k] = map[string]interface{}{"from": oldVal, "to": nil}
		}
	}
	return out
}
