package model

func canTransition(table map[string][]string, currentStatus, targetStatus string) bool {
	for _, s := range table[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// All 需要建表的全部模型，迁移时按此顺序执行
func All() []interface{} {
	return []interface{}{
		&AffiliateUser{},
		&Click{},
		&Conversion{},
		&Commission{},
		&Payout{},
		&FraudAnalysisResult{},
		&AuditEntry{},
		&OutboxMessage{},
	}
}
