package batch

import "context"

// CacheStatus 是 Cache 操作的结果状态（对应 §6 "Cache contract"）。
type CacheStatus int

const (
	// CacheOK 表示操作成功完成。
	CacheOK CacheStatus = iota
	// CacheNotFound 表示 Lookup 未命中。
	CacheNotFound
	// CacheAlreadyExists 表示 Insert 时另一个线程已并发插入了同一个键；
	// 调用方必须把它当作成功处理，而不是错误。
	CacheAlreadyExists
)

// Cache 是 §6 消费的响应缓存契约。哈希与具体存储后端都由宿主进程注入；
// 调度器只通过接口访问它。
type Cache interface {
	// Hash 为请求计算一个稳定的缓存键。
	Hash(ctx context.Context, req *Request) (string, error)
	// Lookup 在命中时填充 resp 并返回 CacheOK；未命中返回 CacheNotFound。
	Lookup(ctx context.Context, key string) (resp *Response, status CacheStatus, err error)
	// Insert 写入响应；CacheAlreadyExists 不是错误，表示另一线程已插入。
	Insert(ctx context.Context, key string, resp *Response) (status CacheStatus, err error)
}
