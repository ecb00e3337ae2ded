package model

// ============================================================================
// 实体扩展字段
// ============================================================================
//
// 每种实体一个固定结构的扩展字段，以 JSON 列存储。
// 事先无法确定的字段放进 Extra，保持类型安全的同时不丢失灵活性。

type AffiliateMetadata struct {
	Website       string            `json:"website,omitempty"`
	PayoutMethod  string            `json:"payout_method,omitempty"`
	PayoutAccount string            `json:"payout_account,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type ClickMetadata struct {
	UTMSource   string            `json:"utm_source,omitempty"`
	UTMMedium   string            `json:"utm_medium,omitempty"`
	UTMCampaign string            `json:"utm_campaign,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type ConversionMetadata struct {
	ProductIDs []string          `json:"product_ids,omitempty"`
	CouponCode string            `json:"coupon_code,omitempty"`
	Source     string            `json:"source,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type PayoutMetadata struct {
	AccountRef string            `json:"account_ref,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}
