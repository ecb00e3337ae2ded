package model

import (
	"time"

	"gorm.io/datatypes"
)

// Click 推广链接点击记录
// session_id 唯一：同一个归因会话只会产生一条点击，重复点击收敛到这一条
type Click struct {
	ID          int64                             `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID int64                             `gorm:"index;not null" json:"affiliate_id"`
	SessionID   string                            `gorm:"type:varchar(128);uniqueIndex;not null" json:"session_id"`
	IPAddress   string                            `gorm:"type:varchar(64);index" json:"ip_address"`
	UserAgent   string                            `gorm:"type:varchar(512)" json:"user_agent"`
	ReferrerURL string                            `gorm:"type:varchar(1024)" json:"referrer_url"`
	LandingURL  string                            `gorm:"type:varchar(1024)" json:"landing_url"`
	Device      string                            `gorm:"type:varchar(64)" json:"device"`
	Country     string                            `gorm:"type:varchar(8)" json:"country"`
	Converted   bool                              `gorm:"not null;default:false" json:"converted"`
	ConvertedAt *time.Time                        `json:"converted_at"`
	Metadata    datatypes.JSONType[ClickMetadata] `json:"metadata"`
	CreatedAt   time.Time                         `gorm:"index" json:"created_at"`
}

func (Click) TableName() string {
	return "affiliate_click"
}
