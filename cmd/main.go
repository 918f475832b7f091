package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cv-analyzer-go/internal/agent"
	"cv-analyzer-go/internal/api/handler"
	"cv-analyzer-go/internal/api/router"
	"cv-analyzer-go/internal/config"
	"cv-analyzer-go/internal/orchestrator"
	"cv-analyzer-go/internal/outbox"
	"cv-analyzer-go/internal/parser"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/tracing"
	"cv-analyzer-go/internal/worker"

	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	appLogger "cv-analyzer-go/internal/logger"

	hertzadapter "github.com/hertz-contrib/logger/zerolog"
)

var serviceName = "cv-analyzer-go" //nolint:gochecknoglobals

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, serviceName, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		glog.Warnf("初始化链路追踪失败: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()

	if storageManager.MySQL == nil || storageManager.RabbitMQ == nil || storageManager.MinIO == nil {
		glog.Fatalf("MySQL/RabbitMQ/MinIO为必需组件，初始化失败后无法继续")
	}
	glog.Info("存储服务初始化成功")

	err = storageManager.RabbitMQ.EnsureAnalysisTopology(
		cfg.RabbitMQ.AnalysisExchange,
		cfg.RabbitMQ.AnalysisRoutingKey,
		cfg.RabbitMQ.AnalysisQueue,
		cfg.RabbitMQ.PoisonExchange,
		cfg.RabbitMQ.PoisonQueue,
		cfg.RabbitMQ.MaxDeliveryCount,
	)
	if err != nil {
		glog.Fatalf("声明RabbitMQ队列拓扑失败: %v", err)
	}
	glog.Info("RabbitMQ队列拓扑声明成功")

	// 文本提取器：默认走Tika服务，未配置时回退到进程内PDF解析
	var extractor orchestrator.TextExtractor
	if cfg.Tika.Type != "eino" && cfg.Tika.ServerURL != "" {
		var tikaOptions []parser.TikaOption
		if cfg.Tika.Timeout > 0 {
			tikaOptions = append(tikaOptions, parser.WithTimeout(time.Duration(cfg.Tika.Timeout)*time.Second))
		}
		extractor = parser.NewTikaTextExtractor(cfg.Tika.ServerURL, tikaOptions...)
		glog.Info("使用Tika文本提取器")
	} else {
		extractor, err = parser.NewEinoTextExtractor(ctx)
		if err != nil {
			glog.Fatalf("创建Eino文本提取器失败: %v", err)
		}
		glog.Info("使用Eino PDF文本提取器")
	}

	chatModel, err := agent.NewOpenAICompatChatModel(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.APIURL,
		agent.WithHTTPTimeout(config.GetDuration(cfg.LLM.Timeout, 60*time.Second)))
	if err != nil {
		glog.Fatalf("初始化聊天模型失败: %v", err)
	}
	analyzer := agent.NewLLMResumeAnalyzer(chatModel, cfg.LLM.Model,
		agent.WithMaxContentLength(cfg.Analyzer.MaxContentLength),
		agent.WithAnalysisTimeout(config.GetDuration(cfg.Analyzer.AnalysisTimeout, 90*time.Second)),
	)
	glog.Info("简历分析器初始化成功")

	var orchOpts []orchestrator.Option
	orchOpts = append(orchOpts, orchestrator.WithPresignExpiry(
		config.GetDuration(cfg.MinIO.PresignedURLExpiry, 15*time.Minute)))

	var dedup orchestrator.DedupStore
	if storageManager.Redis != nil {
		dedup = storageManager.Redis
	}
	orch := orchestrator.New(storageManager.MySQL, storageManager.MinIO, dedup, extractor, analyzer, orchOpts...)

	messageRelay := outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, storageManager.MySQL)
	messageRelay.Start()
	glog.Info("outbox消息中继已启动")

	workerOpts := []worker.WorkerOption{
		worker.WithPollInterval(config.GetDuration(cfg.Worker.PollInterval, 2*time.Second)),
		worker.WithBatchSize(cfg.Worker.BatchSize),
		worker.WithLockTTL(config.GetDuration(cfg.Worker.LockTTL, 5*time.Minute)),
	}
	if storageManager.Redis != nil {
		workerOpts = append(workerOpts, worker.WithLocker(storageManager.Redis))
	}
	analysisWorker := worker.New(
		worker.NewAMQPQueue(storageManager.RabbitMQ, cfg.RabbitMQ.AnalysisQueue),
		orch,
		workerOpts...,
	)
	go analysisWorker.Start(ctx)
	glog.Info("分析worker已启动")

	poisonStop, err := storageManager.RabbitMQ.StartConsumer(
		cfg.RabbitMQ.PoisonQueue,
		1,
		func(body []byte) bool {
			return analysisWorker.DrainPoisonMessage(context.Background(), body)
		},
	)
	if err != nil {
		glog.Fatalf("启动poison队列消费者失败: %v", err)
	}
	glog.Info("poison队列消费者已启动")

	sweeper := worker.NewSweeper(
		storageManager.MySQL,
		storageManager.MinIO,
		config.GetDuration(cfg.Worker.SweepInterval, time.Hour),
	)
	go sweeper.Start(ctx)
	glog.Info("匿名简历清理任务已启动")

	resumeHandler := handler.NewResumeHandler(orch)

	hertzTracer, hertzTracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		hertzTracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(hertzTracerCfg))

	router.RegisterRoutes(h, resumeHandler, cfg.Server.APIKey)
	glog.Info("HTTP路由注册成功")

	go func() {
		glog.Infof("HTTP服务器启动中，监听地址: %s", cfg.Server.Address)
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	// 先停止拉取新消息，再等待在途消息处理完成
	analysisWorker.Stop()
	close(poisonStop)
	sweeper.Stop()
	messageRelay.Stop()
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("HTTP服务器关闭失败: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		glog.Errorf("链路追踪关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化zerolog并把Hertz的日志接到同一输出上
func initLogger(cfg *config.Config) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	glog.SetLogger(hertzadapter.From(appLogger.Logger))
}
