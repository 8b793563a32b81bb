package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/airouter/api/handlers"
	"github.com/BaSui01/airouter/internal/breaker"
	"github.com/BaSui01/airouter/internal/catalog"
	"github.com/BaSui01/airouter/internal/config"
	"github.com/BaSui01/airouter/internal/diststate"
	"github.com/BaSui01/airouter/internal/metrics"
	"github.com/BaSui01/airouter/internal/queue"
	"github.com/BaSui01/airouter/internal/ratelimit"
	"github.com/BaSui01/airouter/internal/router"
	"github.com/BaSui01/airouter/internal/server"
	"github.com/BaSui01/airouter/internal/telemetry"
	"github.com/BaSui01/airouter/llm"
	"github.com/BaSui01/airouter/providers"
	anthprovider "github.com/BaSui01/airouter/providers/anthropic"
	"github.com/BaSui01/airouter/providers/google"
	"github.com/BaSui01/airouter/providers/openai"
)

// Server 聚合一个进程的全部组件：目录、熔断器、限流追踪器、队列、
// 路由核心、HTTP 管理器与可选的分布式后备。
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	otel    *telemetry.Providers
	manager *server.Manager
	queue   *queue.Queue
	dist    *diststate.Client
}

// NewServer 按依赖顺序构建整条管线并注册路由。
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	// 可选的分布式后备：连不上只降级告警，不阻断启动。
	var dist *diststate.Client
	if cfg.RedisURL != "" {
		client, err := diststate.New(cfg.RedisURL, "airouter:", logger)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at startup, distributed state degraded", zap.Error(err))
		}
		cancel()
		dist = client
	}

	collector := metrics.NewCollector("airouter", logger)
	cat := catalog.Default()

	var cbStore breaker.Store
	var rlStore ratelimit.Store
	var qStore queue.Store
	prefix := ""
	if dist != nil {
		cbStore, rlStore, qStore = dist, dist, dist
		prefix = dist.Prefix()
	}

	cb := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, cbStore, prefix, logger)
	tracker := ratelimit.NewTracker(cfg.RateLimitLowRequests, rlStore, prefix, logger)

	q := queue.New(queue.Config{
		MaxSize:        cfg.QueueMaxSize,
		JobTimeout:     cfg.QueueTimeout,
		AsyncThreshold: cfg.QueueAsyncThreshold,
	}, qStore, collector.SetQueueDepth, logger)

	provs := buildProviders(cfg, logger)
	if len(provs) == 0 {
		return nil, fmt.Errorf("no provider adapters configured")
	}

	rt := router.New(router.Deps{
		Catalog:   cat,
		Breaker:   cb,
		Tracker:   tracker,
		Queue:     q,
		Providers: provs,
		Priority:  cfg.ProviderPriority,
		Collector: collector,
		Logger:    logger,
	})

	// Router 与 Queue 互相依赖：drain 回调在两者都建好后注入。
	q.SetDrainFunc(rt.Drain)

	if dist != nil {
		reloadDistributedState(dist, cb, tracker, cat, cfg.ProviderPriority, q, logger)
	}

	mux := buildMux(cfg, rt, q, logger, collector)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.Addr()
	// SSE 响应可以远长于普通写超时，交由请求上下文约束。
	serverCfg.WriteTimeout = 0
	manager := server.NewManager(mux, serverCfg, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		otel:    otelProviders,
		manager: manager,
		queue:   q,
		dist:    dist,
	}, nil
}

// buildProviders 为每个配置了密钥的 vendor 构建适配器。
func buildProviders(cfg *config.Config, logger *zap.Logger) map[string]llm.Provider {
	provs := make(map[string]llm.Provider)
	if cfg.OpenAIAPIKey != "" {
		provs[catalog.VendorOpenAI] = openai.NewOpenAIProvider(providers.OpenAIConfig{
			BaseProviderConfig: providers.BaseProviderConfig{
				APIKey:  cfg.OpenAIAPIKey,
				BaseURL: cfg.OpenAIBaseURL,
			},
		}, logger)
	}
	if cfg.AnthropicAPIKey != "" {
		provs[catalog.VendorAnthropic] = anthprovider.NewAnthropicProvider(providers.ClaudeConfig{
			BaseProviderConfig: providers.BaseProviderConfig{
				APIKey:  cfg.AnthropicAPIKey,
				BaseURL: cfg.AnthropicBaseURL,
			},
		}, logger)
	}
	if cfg.GoogleAPIKey != "" {
		provs[catalog.VendorGoogle] = google.NewGoogleProvider(providers.GeminiConfig{
			BaseProviderConfig: providers.BaseProviderConfig{
				APIKey:  cfg.GoogleAPIKey,
				BaseURL: cfg.GoogleBaseURL,
			},
		}, logger)
	}
	return provs
}

// reloadDistributedState 启动时从共享存储恢复熔断器/限流状态；
// 共享待处理队列非空时立即调度一次 drain。任何失败都只是降级。
func reloadDistributedState(dist *diststate.Client, cb *breaker.Breaker, tracker *ratelimit.Tracker, cat *catalog.Catalog, priority []string, q *queue.Queue, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var pairs []ratelimit.Candidate
	for _, vendor := range priority {
		for _, model := range cat.ModelsForVendor(vendor) {
			pairs = append(pairs, ratelimit.Candidate{Vendor: vendor, Model: model})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cb.LoadFromStore(gctx, priority)
		return nil
	})
	g.Go(func() error {
		tracker.LoadFromStore(gctx, pairs)
		return nil
	})
	_ = g.Wait()

	if n := dist.PendingCount(ctx); n > 0 {
		logger.Info("shared queue has pending jobs, scheduling immediate drain", zap.Int("pending", n))
		q.ScheduleProcessing(0)
	}
}

// buildMux 注册全部路由。POST 入口在鉴权之后；/health、
// /v1/providers/status 与 /metrics 不鉴权。
func buildMux(cfg *config.Config, rt *router.Router, q *queue.Queue, logger *zap.Logger, collector *metrics.Collector) http.Handler {
	chatHandler := handlers.NewChatHandler(rt, logger)
	messagesHandler := handlers.NewMessagesHandler(rt, logger)
	imagesHandler := handlers.NewImagesHandler(rt, logger)
	embeddingsHandler := handlers.NewEmbeddingsHandler(rt, logger)
	queueHandler := handlers.NewQueueHandler(q, logger)
	statusHandler := handlers.NewStatusHandler(rt, logger)
	healthHandler := handlers.NewHealthHandler(serviceName, Version, logger)

	auth := Auth(cfg.RouterAPIKey, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(chatHandler.HandleChatCompletions)))
	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(messagesHandler.HandleMessages)))
	mux.Handle("POST /v1/images/generations", auth(http.HandlerFunc(imagesHandler.HandleGenerations)))
	mux.Handle("POST /v1/embeddings", auth(http.HandlerFunc(embeddingsHandler.HandleEmbeddings)))
	mux.Handle("GET /v1/queue/{id}", auth(http.HandlerFunc(queueHandler.HandlePoll)))
	mux.HandleFunc("GET /v1/providers/status", statusHandler.HandleStatus)
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		MetricsMiddleware(collector),
	)
}

// Start 启动 HTTP 服务器（非阻塞）。
func (s *Server) Start() error {
	return s.manager.Start()
}

// WaitForShutdown 阻塞到收到退出信号，然后按序关停：HTTP、队列、
// 分布式连接、telemetry。
func (s *Server) WaitForShutdown() {
	s.manager.WaitForShutdown()

	s.queue.Close()
	if s.dist != nil {
		if err := s.dist.Close(); err != nil {
			s.logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}
