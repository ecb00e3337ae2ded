package fraud

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 计数器窗口
const (
	WindowMinute = time.Minute
	WindowHour   = time.Hour
	WindowDay    = 24 * time.Hour
	WindowWeek   = 7 * 24 * time.Hour
)

// 处置结果集合
const (
	FlaggedAffiliatesKey = "fraud:blocked:affiliates"
	ReviewAffiliatesKey  = "fraud:review:queue"
	ReviewConversionsKey = "fraud:review:conversions"
)

func sessionClicksKey(affiliateID int64, sessionID string) string {
	return fmt.Sprintf("fraud:clicks:%d:%s", affiliateID, sessionID)
}

func ipHourKey(ip string) string {
	return fmt.Sprintf("fraud:ip:hour:%s", ip)
}

func ipAffiliatesKey(ip string) string {
	return fmt.Sprintf("fraud:ip:affiliates:%s", ip)
}

func geoKey(affiliateID int64) string {
	return fmt.Sprintf("fraud:geo:%d", affiliateID)
}

func affiliateClicksKey(affiliateID int64) string {
	return fmt.Sprintf("fraud:affiliate:clicks:%d", affiliateID)
}

func affiliateConversionsKey(affiliateID int64) string {
	return fmt.Sprintf("fraud:affiliate:conversions:%d", affiliateID)
}

func amountKey(affiliateID int64, amount decimal.Decimal) string {
	return fmt.Sprintf("fraud:amount:%d:%s", affiliateID, amount.StringFixed(2))
}

func ipConversionsKey(affiliateID int64, ip string) string {
	return fmt.Sprintf("fraud:ip:conversions:%d:%s", affiliateID, ip)
}

func sessionDevicesKey(sessionID string) string {
	return fmt.Sprintf("fraud:session:devices:%s", sessionID)
}

func HistoryKey(affiliateID int64) string {
	return fmt.Sprintf("fraud:history:%d", affiliateID)
}
