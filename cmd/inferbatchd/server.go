package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/inferbatch/api/handlers"
	"github.com/BaSui01/inferbatch/config"
	"github.com/BaSui01/inferbatch/internal/ctxkeys"
	"github.com/BaSui01/inferbatch/internal/engine"
	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/internal/pool"
	"github.com/BaSui01/inferbatch/internal/server"
	"github.com/BaSui01/inferbatch/internal/telemetry"
	"github.com/BaSui01/inferbatch/llm/batch"
	llmcache "github.com/BaSui01/inferbatch/llm/cache"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 inferbatchd 的主服务器：每个配置的模型对应一个
// DynamicBatchScheduler，共享同一个响应缓存与 worker 池。
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	schedulers map[string]*batch.DynamicBatchScheduler
	enginePool *pool.GoroutinePool
	redis      *redis.Client

	healthHandler  *handlers.HealthHandler
	inferHandler   *handlers.InferHandler
	streamHandler  *handlers.StreamHandler
	rateLimiterCtx context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例，尚未启动任何监听器或调度器。
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		telemetry:  otelProviders,
		schedulers: make(map[string]*batch.DynamicBatchScheduler),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务：指标收集器、缓存、每个模型的调度器、HTTP 与
// metrics 两个端口。
func (s *Server) Start() error {
	collector := metrics.NewCollector("inferbatchd", s.logger)

	s.redis = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})

	cache := llmcache.NewMultiLevelCache(s.redis, llmcache.DefaultCacheConfig(), collector, s.logger)

	s.enginePool = pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())
	echoEngine := engine.NewEchoEngine(s.enginePool, 0, collector, s.logger)

	if err := s.initSchedulers(cache, echoEngine, collector); err != nil {
		return fmt.Errorf("failed to init schedulers: %w", err)
	}

	s.initHandlers(collector)

	if err := s.startHTTPServer(collector); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("models", len(s.schedulers)),
	)

	return nil
}

// modelNames 返回需要启动调度器的模型名称列表：配置中显式覆盖的模型，
// 或在没有任何覆盖时的单一 "default" 模型（沿用 Scheduler 的默认配置）。
func (s *Server) modelNames() []string {
	if len(s.cfg.Models) == 0 {
		return []string{"default"}
	}
	names := make([]string, 0, len(s.cfg.Models))
	for name := range s.cfg.Models {
		names = append(names, name)
	}
	return names
}

// initSchedulers 为每个配置的模型构造一个限流器 + 调度器对。限流器的
// execute 回调需要回指调度器才能投递响应，而调度器构造又需要先有限流
// 器，因此用一个二级指针打破这个循环（与 internal/engine.NewExecuteFunc
// 的设计保持一致）。
func (s *Server) initSchedulers(cache batch.Cache, echoEngine *engine.EchoEngine, collector *metrics.Collector) error {
	for _, model := range s.modelNames() {
		schedCfg := s.cfg.SchedulerFor(model)

		var sched *batch.DynamicBatchScheduler
		rl := batch.NewTokenBucketRateLimiter(schedCfg.MaxBatchSize, schedCfg.MaxPayloadsPerSecond, engine.NewExecuteFunc(echoEngine, &sched), s.logger)

		var schedCache batch.Cache
		if schedCfg.ResponseCacheEnable {
			schedCache = cache
		}

		sched = batch.NewScheduler(model, schedCfg, rl, schedCache, collector, s.logger.With(zap.String("model", model)))
		s.schedulers[model] = sched

		s.logger.Info("scheduler started",
			zap.String("model", model),
			zap.Bool("dynamic_batching", schedCfg.DynamicBatchingEnabled),
			zap.Int("max_batch_size", schedCfg.MaxBatchSize),
		)
	}
	return nil
}

// lookupScheduler 是 handlers.SchedulerLookup / handlers.QueueStatsSource
// 共用的模型查找实现。
func (s *Server) lookupScheduler(model string) (*batch.DynamicBatchScheduler, bool) {
	sched, ok := s.schedulers[model]
	return sched, ok
}

// =============================================================================
// 🔧 Handler 初始化
// =============================================================================

func (s *Server) initHandlers(collector *metrics.Collector) {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	for model, sched := range s.schedulers {
		sched := sched
		s.healthHandler.RegisterCheck(handlers.NewSchedulerHealthCheck(model, sched.Stopped))
	}
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", func(ctx context.Context) error {
		return s.redis.Ping(ctx).Err()
	}))

	s.inferHandler = handlers.NewInferHandler(s.lookupScheduler, s.cfg.Server.EnqueueTimeout, collector, s.logger)

	s.streamHandler = handlers.NewStreamHandler(func(model string) (any, bool) {
		sched, ok := s.lookupScheduler(model)
		if !ok {
			return nil, false
		}
		return sched.Stats(), true
	}, time.Second, s.logger)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(collector *metrics.Collector) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/models/{model}/infer", func(w http.ResponseWriter, r *http.Request) {
		model := r.PathValue("model")
		r = r.WithContext(ctxkeys.WithModel(r.Context(), model))
		s.inferHandler.HandleInfer(w, r, model)
	})
	mux.HandleFunc("GET /v1/models/{model}/stream", func(w http.ResponseWriter, r *http.Request) {
		s.streamHandler.HandleStream(w, r, r.PathValue("model"))
	})

	s.logger.Info("HTTP routes registered", zap.Int("models", len(s.schedulers)))

	ctx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCtx = cancel

	meter, err := telemetry.NewRequestMeter()
	if err != nil {
		s.logger.Warn("failed to create OTel request meter, proceeding without it", zap.Error(err))
		meter = nil
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(meter),
		MetricsMiddleware(collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭。
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务：先停止接受新的 HTTP 连接，再并发停止所有
// 模型调度器（排空的请求以 UNAVAILABLE 响应），最后释放 worker 池、缓存与
// 遥测资源。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCtx != nil {
		s.rateLimiterCtx()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// Schedulers drain independently, so shut them all down concurrently
	// rather than paying each one's drain timeout sequentially.
	var eg errgroup.Group
	for model, sched := range s.schedulers {
		model, sched := model, sched
		eg.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := sched.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("scheduler shutdown error", zap.String("model", model), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	if s.enginePool != nil {
		s.enginePool.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis client close error", zap.Error(err))
		}
	}

	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
