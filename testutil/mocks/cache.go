// Package mocks 提供可注入的 llm/batch 依赖假实现，供其它包的单元测试
// 复用，避免每个测试文件各自手写一份行为相同的桩代码。
package mocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/BaSui01/inferbatch/llm/batch"
)

// Cache 是 batch.Cache 的内存实现，供不需要真实 Redis 的测试使用。
// 键是请求 payload JSON 序列化后的完整 SHA-256 十六进制摘要。它与
// llm/cache.MultiLevelCache 的缺省 hash 策略哈希同一份 JSON，但键字符串
// 不同：后者带 "batch:cache:" 前缀且只取摘要的前 16 字节。
type Cache struct {
	mu    sync.Mutex
	store map[string]*batch.Response

	HashErr   error
	LookupErr error
	InsertErr error
}

// NewCache 创建一个空的内存缓存假实现。
func NewCache() *Cache {
	return &Cache{store: make(map[string]*batch.Response)}
}

// Hash 对请求 payload 做 JSON 序列化后取 SHA-256 摘要。
func (c *Cache) Hash(_ context.Context, req *batch.Request) (string, error) {
	if c.HashErr != nil {
		return "", c.HashErr
	}
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup 返回此前 Insert 过的响应；未命中时返回 batch.CacheNotFound。
func (c *Cache) Lookup(_ context.Context, key string) (*batch.Response, batch.CacheStatus, error) {
	if c.LookupErr != nil {
		return nil, batch.CacheNotFound, c.LookupErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.store[key]
	if !ok {
		return nil, batch.CacheNotFound, nil
	}
	return resp, batch.CacheOK, nil
}

// Insert 写入响应；对同一个 key 二次写入返回 batch.CacheAlreadyExists。
func (c *Cache) Insert(_ context.Context, key string, resp *batch.Response) (batch.CacheStatus, error) {
	if c.InsertErr != nil {
		return batch.CacheNotFound, c.InsertErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.store[key]; exists {
		return batch.CacheAlreadyExists, nil
	}
	c.store[key] = resp
	return batch.CacheOK, nil
}

// Len 返回当前缓存条目数，便于测试断言写入次数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
