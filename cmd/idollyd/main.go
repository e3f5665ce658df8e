package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Idolly-Chain/internal/api"
	"Idolly-Chain/internal/catalog"
	"Idolly-Chain/internal/config"
	"Idolly-Chain/internal/content"
	"Idolly-Chain/internal/content/imagegen"
	"Idolly-Chain/internal/content/ipfs"
	"Idolly-Chain/internal/idempotency"
	"Idolly-Chain/internal/ledger/story"
	"Idolly-Chain/internal/market"
	"Idolly-Chain/internal/observability/alerting"
	"Idolly-Chain/internal/observability/metrics"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/scheduler"
	"Idolly-Chain/internal/workflow"
	"Idolly-Chain/pkg/logger"
)

// main 是 Idolly 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("idollyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("IDOLLY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "idolly.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}

	// 三类业务存储共用同一个驱动配置。
	var (
		agentStore    registry.Store
		workflowStore workflow.Store
		catalogStore  catalog.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		agentStore = registry.NewMemoryStore()
		workflowStore = workflow.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
	case "mysql":
		as, err := registry.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		agentStore = as
		ws, err := workflow.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		workflowStore = ws
		cs, err := catalog.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		catalogStore = cs
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer catalogStore.Close()
	defer workflowStore.Close()

	var idemStore idempotency.Store
	switch cfg.Idempotency.Driver {
	case "", "memory":
		idemStore = idempotency.NewMemoryStore(time.Duration(cfg.Idempotency.RetentionHours) * time.Hour)
	case "redis":
		store, err := idempotency.NewRedisStore(idempotency.RedisStoreConfig{
			Address:   cfg.Idempotency.Redis.Address,
			Password:  cfg.Idempotency.Redis.Password,
			DB:        cfg.Idempotency.Redis.DB,
			Retention: time.Duration(cfg.Idempotency.RetentionHours) * time.Hour,
		})
		if err != nil {
			return err
		}
		idemStore = store
	default:
		return fmt.Errorf("未知的幂等存储驱动: %s", cfg.Idempotency.Driver)
	}
	defer idemStore.Close()

	var queue workflow.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = workflow.NewMemoryQueue(cfg.Queue.Size)
	case "redis":
		q, err := workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer queue.Close()

	ledgerClient, err := story.NewClient(ctx, story.Config{
		RPCURL:             cfg.Ledger.RPCURL,
		RelayerRPCURL:      cfg.Ledger.RelayerRPCURL,
		SPGNFTContract:     cfg.Ledger.SPGNFTContract,
		PILLicenseTemplate: cfg.Ledger.PILLicenseTemplate,
		RoyaltyPolicyLAP:   cfg.Ledger.RoyaltyPolicyLAP,
		WIPToken:           cfg.Ledger.WIPToken,
		ReceiptTimeout:     time.Duration(cfg.Ledger.ReceiptTimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}
	defer ledgerClient.Close()

	generator, err := imagegen.NewClient(imagegen.Config{
		BaseURL: cfg.Content.Generator.BaseURL,
		APIKey:  cfg.Content.Generator.APIKey,
		Timeout: time.Duration(cfg.Content.Generator.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}
	pinner, err := ipfs.NewClient(ipfs.Config{
		PinataJWT:  cfg.Content.IPFS.PinataJWT,
		NodeAPIURL: cfg.Content.IPFS.NodeAPIURL,
		Timeout:    time.Duration(cfg.Content.IPFS.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}
	contentService := content.NewService(generator, pinner)

	scanner, err := market.LoadStaticMarket(cfg.Market.CatalogPath, cfg.Market.Threshold, cfg.Market.MaxResults)
	if err != nil {
		return err
	}

	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhookSender{WebhookURL: cfg.Alerting.DingTalkWebhook},
		})
	}
	if cfg.Alerting.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{WebhookURL: cfg.Alerting.SlackWebhook},
			ChannelID: "alerts",
		})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	reg := registry.New(agentStore)
	defer reg.Close()
	if _, err := reg.Load(ctx); err != nil {
		return err
	}

	hub := workflow.NewHub()
	limiter := workflow.NewLimiter(cfg.Engine.MaxConcurrent)

	engine := workflow.NewEngine(reg, workflowStore, idemStore, ledgerClient, contentService, limiter, queue,
		workflow.WithCatalog(catalogStore),
		workflow.WithHub(hub),
		workflow.WithAlertDispatcher(dispatcher),
		workflow.WithWorkerCount(cfg.Engine.WorkerCount),
		workflow.WithRetryPolicy(cfg.Engine.MaxAttempts,
			time.Duration(cfg.Engine.BaseBackoffSecs)*time.Second,
			time.Duration(cfg.Engine.MaxBackoffSecs)*time.Second),
		workflow.WithStepTimeout(time.Duration(cfg.Engine.StepTimeoutSecs)*time.Second),
		workflow.WithTokenGrace(time.Duration(cfg.Engine.TokenGraceHours)*time.Hour),
	)

	service := workflow.NewService(reg, workflowStore, queue,
		workflow.WithServiceHub(hub),
		workflow.WithMaxAttempts(cfg.Engine.MaxAttempts),
	)

	// 先恢复上次停机时尚未完成的工作流，再开始消费新触发。
	if recovered, err := service.RecoverInFlight(ctx); err != nil {
		return err
	} else if recovered > 0 {
		log.Printf("已重新投递 %d 个未完成工作流", recovered)
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	go func() {
		if err := engine.Start(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("工作流引擎异常退出: %v", err)
		}
	}()

	sched := scheduler.New(reg, service, scanner, scheduler.Config{
		ContentInterval:     cfg.Scheduler.ContentInterval(),
		MaintenanceInterval: cfg.Scheduler.MaintenanceInterval(),
		ScanInterval:        cfg.Scheduler.ScanInterval(),
	})
	go func() {
		if err := sched.Start(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(engineCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, reg, service, catalogStore)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
