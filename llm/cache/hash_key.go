package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/inferbatch/llm/batch"
)

// HashKeyStrategy 对请求负载做全量 Hash 生成缓存键（原有实现）。
type HashKeyStrategy struct{}

// Name 返回策略名称。
func (s *HashKeyStrategy) Name() string {
	return "hash"
}

// GenerateKey 生成 Hash 缓存键。
func (s *HashKeyStrategy) GenerateKey(req *batch.Request) string {
	data, err := json.Marshal(req.Payload)
	if err != nil {
		// fallback: 使用 fmt.Sprintf 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", req.Payload))
	}
	hash := sha256.Sum256(data)
	return "batch:cache:" + hex.EncodeToString(hash[:16]) // 使用前 16 字节
}

// NewHashKeyStrategy 创建 Hash 策略。
func NewHashKeyStrategy() *HashKeyStrategy {
	return &HashKeyStrategy{}
}
