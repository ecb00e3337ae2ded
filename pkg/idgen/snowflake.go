package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式 ID 生成
// ============================================================================
//
// 打款单号要求全局唯一、趋势递增、不暴露业务量，使用雪花算法：
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 事件 ID 只要求唯一，使用 UUID。
//
// ============================================================================

const epoch = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）

var (
	node     *snowflake.Node
	nodeErr  error
	initOnce sync.Once
)

// Init 初始化默认节点，workerID 取值 0-1023
func Init(workerID int64) error {
	initOnce.Do(func() {
		snowflake.Epoch = epoch
		node, nodeErr = snowflake.NewNode(workerID)
	})
	return nodeErr
}

// NextID 生成下一个ID
func NextID() int64 {
	// 未显式初始化时使用 workerID = 1
	if err := Init(1); err != nil {
		panic(err)
	}
	return node.Generate().Int64()
}

// GeneratePayoutNo 生成打款单号
// 格式：PO + 年月日时分秒 + 雪花ID后8位
// 例如：PO2024011514305212345678
func GeneratePayoutNo() string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("PO%s%08d", timestamp, id%100000000)
}

// GenerateEventID 生成事件ID
func GenerateEventID() string {
	return uuid.NewString()
}

// 去掉了 0/O/1/I 这类容易看错的字符
const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateReferralCode 生成指定长度的随机推广码
func GenerateReferralCode(length int) (string, error) {
	max := big.NewInt(int64(len(referralAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = referralAlphabet[n.Int64()]
	}
	return string(buf), nil
}
