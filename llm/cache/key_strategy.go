package cache

import "github.com/BaSui01/inferbatch/llm/batch"

// KeyStrategy 缓存键生成策略接口，参数化于请求本身而非其负载的具体类型，
// 因为 batch.Request.Payload 对本包保持不透明。
type KeyStrategy interface {
	// GenerateKey 生成缓存键。
	GenerateKey(req *batch.Request) string

	// Name 返回策略名称（用于日志和调试）。
	Name() string
}
