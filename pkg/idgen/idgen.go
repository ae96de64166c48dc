package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// ID 生成
// ============================================================================
//
// 底层使用雪花算法（41 位毫秒时间戳 + 10 位节点号 + 12 位序列号），
// 多实例部署时每个实例必须使用不同的节点号。
//
// ============================================================================

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 设置节点号（0-1023），重复调用以最后一次为准
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// NextID 生成下一个 ID，未初始化时使用节点号 1
func NextID() int64 {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

func withPrefix(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, time.Now().Format("20060102"), NextID())
}

// GenerateOrderNo 积分购买订单号，例如 BUY20240115<snowflake>
func GenerateOrderNo() string {
	return withPrefix("BUY")
}

// GenerateLogNo 积分流水号
func GenerateLogNo() string {
	return withPrefix("CL")
}
