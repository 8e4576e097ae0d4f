package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/BaSui01/inferbatch/llm/batch"
)

// HierarchicalKeyStrategy 层次化缓存键策略
// 格式：batch:cache:{tenant}:{model}:{payloadHash}
// tenant/model 通过反射从 req.Payload 中提取（若负载结构体携带
// TenantID/Model 字符串字段），不存在时退化为纯 Hash 键。
type HierarchicalKeyStrategy struct{}

// Name 返回策略名称。
func (s *HierarchicalKeyStrategy) Name() string {
	return "hierarchical"
}

// GenerateKey 生成层次化缓存键。
func (s *HierarchicalKeyStrategy) GenerateKey(req *batch.Request) string {
	tenant, model := extractTenantModel(req.Payload)

	data, err := json.Marshal(req.Payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", req.Payload))
	}
	hash := sha256.Sum256(data)
	payloadHash := hex.EncodeToString(hash[:12])

	if tenant == "" && model == "" {
		return "batch:cache:" + payloadHash
	}
	return fmt.Sprintf("batch:cache:%s:%s:%s", tenant, model, payloadHash)
}

// extractTenantModel 通过反射从任意负载结构体中读取可选的 TenantID/Model
// 字符串字段。负载不是结构体，或字段不存在/类型不符时返回空字符串，
// 调用方据此退化为纯 Hash 前缀。
func extractTenantModel(payload any) (tenant, model string) {
	v := reflect.ValueOf(payload)
	if !v.IsValid() {
		return "", ""
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", ""
	}

	if f := v.FieldByName("TenantID"); f.IsValid() && f.Kind() == reflect.String {
		tenant = f.String()
	}
	if f := v.FieldByName("Model"); f.IsValid() && f.Kind() == reflect.String {
		model = f.String()
	}
	return tenant, model
}

// NewHierarchicalKeyStrategy 创建层次化策略。
func NewHierarchicalKeyStrategy() *HierarchicalKeyStrategy {
	return &HierarchicalKeyStrategy{}
}
