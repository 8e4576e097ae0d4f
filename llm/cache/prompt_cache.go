// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/llm/batch"
	"github.com/BaSui01/inferbatch/llm/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheRetryPolicy 只重试瞬时性的 Redis 错误，miss（redis.Nil）不算错误，
// 从不进入这条路径。
func cacheRetryPolicy() *retry.RetryPolicy {
	return &retry.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ErrNotCacheable 由 Hash 返回，表示该请求按 CacheableCheck 判定不应被
// 缓存；调用方（调度器）把它当作"跳过缓存"处理，而不是失败。
var ErrNotCacheable = errors.New("request is not cacheable")

// CacheEntry 缓存条目，包裹一次完整的响应。
type CacheEntry struct {
	Response  *batch.Response `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	HitCount  int             `json:"hit_count"`
}

// CacheConfig 缓存配置。
type CacheConfig struct {
	LocalMaxSize    int                // 本地缓存最大条目数
	LocalTTL        time.Duration      // 本地缓存 TTL
	RedisTTL        time.Duration      // Redis 缓存 TTL
	EnableLocal     bool               // 是否启用本地缓存
	EnableRedis     bool               // 是否启用 Redis 缓存
	KeyStrategyType string             // 缓存键策略类型：hash | hierarchical
	CacheableCheck  func(req any) bool // 判断请求负载是否可缓存
}

// DefaultCacheConfig 默认配置。
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		RedisTTL:     1 * time.Hour,
		EnableLocal:  true,
		EnableRedis:  true,
		CacheableCheck: func(req any) bool {
			// 默认策略：负载若携带非空 Tools 字段，通常意味着可能触发外部
			// 副作用，直接缓存响应会导致副作用被跳过，因此默认不缓存。
			v := reflect.ValueOf(req)
			if !v.IsValid() {
				return true
			}
			if v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return true
				}
				v = v.Elem()
			}
			if v.Kind() != reflect.Struct {
				return true
			}

			f := v.FieldByName("Tools")
			if !f.IsValid() || f.Kind() != reflect.Slice {
				return true
			}
			return f.Len() == 0
		},
	}
}

// MultiLevelCache 实现 batch.Cache：本地 LRU 作为 L1，Redis 作为 L2。
type MultiLevelCache struct {
	local    *LRUCache
	redis    *redis.Client
	config   *CacheConfig
	strategy KeyStrategy
	logger   *zap.Logger
	retryer  retry.Retryer
	metrics  *metrics.Collector
}

// NewMultiLevelCache 创建多级缓存。collector 可以为 nil（指标采集是可选
// 的旁路）。
func NewMultiLevelCache(rdb *redis.Client, config *CacheConfig, collector *metrics.Collector, logger *zap.Logger) *MultiLevelCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var local *LRUCache
	if config.EnableLocal {
		local = NewLRUCache(config.LocalMaxSize, config.LocalTTL)
	}

	var strategy KeyStrategy
	switch config.KeyStrategyType {
	case "hierarchical":
		strategy = NewHierarchicalKeyStrategy()
		logger.Info("using hierarchical cache key strategy")
	default:
		strategy = NewHashKeyStrategy()
		logger.Info("using hash cache key strategy")
	}

	return &MultiLevelCache{
		local:    local,
		redis:    rdb,
		config:   config,
		strategy: strategy,
		logger:   logger,
		retryer:  retry.NewBackoffRetryer(cacheRetryPolicy(), logger),
		metrics:  collector,
	}
}

// Hash 实现 batch.Cache：计算请求的缓存键；负载被 CacheableCheck 判定为
// 不可缓存时返回 ErrNotCacheable。
func (c *MultiLevelCache) Hash(ctx context.Context, req *batch.Request) (string, error) {
	if c.config.CacheableCheck != nil && !c.config.CacheableCheck(req.Payload) {
		return "", ErrNotCacheable
	}
	return c.strategy.GenerateKey(req), nil
}

// Lookup 实现 batch.Cache：本地 LRU 未命中时回落到 Redis，命中后回填本地。
func (c *MultiLevelCache) Lookup(ctx context.Context, key string) (*batch.Response, batch.CacheStatus, error) {
	start := time.Now()

	if c.config.EnableLocal && c.local != nil {
		if entry, ok := c.local.Get(key); ok {
			c.logger.Debug("local cache hit", zap.String("key", key))
			c.recordLookup("local", true, time.Since(start))
			return entry.Response, batch.CacheOK, nil
		}
	}

	if c.config.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			// miss（redis.Nil）从不重试，只有瞬时性错误才值得退避重试。
			data, err = retry.DoWithResultTyped[[]byte](c.retryer, ctx, func() ([]byte, error) {
				return c.redis.Get(ctx, c.redisKey(key)).Bytes()
			})
		}
		if err == nil {
			var entry CacheEntry
			if err := json.Unmarshal(data, &entry); err == nil {
				if c.config.EnableLocal && c.local != nil {
					c.local.Set(key, &entry)
				}
				c.logger.Debug("redis cache hit", zap.String("key", key))
				go c.incrementHitCount(context.Background(), key)
				c.recordLookup("redis", true, time.Since(start))
				return entry.Response, batch.CacheOK, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
			return nil, batch.CacheNotFound, err
		}
	}

	c.recordLookup(c.authoritativeTier(), false, time.Since(start))
	return nil, batch.CacheNotFound, nil
}

// authoritativeTier 返回对 Lookup 未命中或 Insert 写入拥有最终决定权的
// 那一级（Redis 若启用则优先于本地），用于指标的 cache_type 标签。
func (c *MultiLevelCache) authoritativeTier() string {
	if c.config.EnableRedis && c.redis != nil {
		return "redis"
	}
	return "local"
}

// recordLookup 把一次 Lookup 的命中/未命中与耗时上报给指标采集器；
// collector 为 nil 时是空操作。
func (c *MultiLevelCache) recordLookup(tier string, hit bool, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit(tier, duration)
	} else {
		c.metrics.RecordCacheMiss(tier, duration)
	}
}

// Insert 实现 batch.Cache：写入本地与 Redis 两级。Redis 层用 SETNX 语义
// 诚实地检测并发写入竞争，命中竞争时返回 CacheAlreadyExists 而不是错误。
func (c *MultiLevelCache) Insert(ctx context.Context, key string, resp *batch.Response) (batch.CacheStatus, error) {
	start := time.Now()
	if c.metrics != nil {
		defer func() {
			c.metrics.RecordCacheInsert(c.authoritativeTier(), time.Since(start))
		}()
	}

	entry := &CacheEntry{
		Response:  resp,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(c.config.RedisTTL),
	}

	status := batch.CacheOK

	if c.config.EnableRedis && c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return batch.CacheOK, err
		}
		ok, err := c.redis.SetNX(ctx, c.redisKey(key), data, c.config.RedisTTL).Result()
		if err != nil {
			ok, err = retry.DoWithResultTyped[bool](c.retryer, ctx, func() (bool, error) {
				return c.redis.SetNX(ctx, c.redisKey(key), data, c.config.RedisTTL).Result()
			})
		}
		if err != nil {
			c.logger.Warn("redis setnx error", zap.Error(err))
			return batch.CacheOK, err
		}
		if !ok {
			status = batch.CacheAlreadyExists
		}
	}

	if c.config.EnableLocal && c.local != nil {
		if status != batch.CacheAlreadyExists {
			c.local.Set(key, entry)
		} else if _, exists := c.local.Get(key); !exists {
			// Redis 层已经存在但本地尚未回填，直接写入避免下一次请求穿透。
			c.local.Set(key, entry)
		}
	}

	c.logger.Debug("cache insert", zap.String("key", key), zap.Bool("already_existed", status == batch.CacheAlreadyExists))
	return status, nil
}

// IsCacheable 判断请求负载是否可缓存。
func (c *MultiLevelCache) IsCacheable(payload any) bool {
	if c.config.CacheableCheck != nil {
		return c.config.CacheableCheck(payload)
	}
	return true
}

func (c *MultiLevelCache) redisKey(key string) string {
	return "batch:prompt_cache:" + key
}

func (c *MultiLevelCache) incrementHitCount(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	script := redis.NewScript(`
		local key = KEYS[1]
		local data = redis.call('GET', key)
		if data then
			local entry = cjson.decode(data)
			entry.hit_count = (entry.hit_count or 0) + 1
			local ttl = redis.call('TTL', key)
			if ttl > 0 then
				redis.call('SET', key, cjson.encode(entry), 'EX', ttl)
			end
		end
		return 1
	`)
	script.Run(ctx, c.redis, []string{c.redisKey(key)})
}

// InvalidateAll 清空本地缓存的全部条目（Redis 层依赖 TTL 自然过期）。
func (c *MultiLevelCache) InvalidateAll(ctx context.Context) error {
	if c.local != nil {
		c.local.Clear()
	}
	c.logger.Info("local cache invalidated")
	return nil
}

// ============================================================
// LRU 本地缓存实现（使用双向链表实现 O(1) 操作）
// ============================================================

type LRUCache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	key       string
	entry     *CacheEntry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
	}
}

func (c *LRUCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(node.expiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, false
	}

	c.moveToHead(node)
	node.entry.HitCount++

	return node.entry, true
}

func (c *LRUCache) Set(key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		node.entry = entry
		node.expiresAt = time.Now().Add(c.ttl)
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &lruNode{
		key:       key,
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = node
	c.addToHead(node)
}

func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruNode)
	c.head = nil
	c.tail = nil
}

// addToHead 添加节点到头部 O(1)
func (c *LRUCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *LRUCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *LRUCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// evictTail 淘汰尾部节点 O(1)
func (c *LRUCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}

// Stats 缓存统计
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), c.capacity
}
