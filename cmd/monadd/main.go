package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"Monad-Automation/internal/api"
	"Monad-Automation/internal/auth"
	"Monad-Automation/internal/config"
	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/alerting"
	"Monad-Automation/internal/storage/mysql"
	"Monad-Automation/internal/storage/redis"
	"Monad-Automation/internal/task"
	"Monad-Automation/internal/task/ops"
	"Monad-Automation/internal/transaction"
	"Monad-Automation/internal/wallet"
	"Monad-Automation/internal/web3/provider"
	"Monad-Automation/pkg/logger"
)

// main 是 Monad 自动化守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("monadd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MONAD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "monad.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := initLogger(cfg.Logging); err != nil {
		return err
	}
	log := logger.Named("monadd")

	registry, err := provider.NewRegistry(cfg.Network)
	if err != nil {
		return err
	}
	gateway, err := registry.Dial(ctx, cfg.Network, cfg.Gas)
	if err != nil {
		return err
	}
	defer gateway.Close()
	log.Info("已连接链节点",
		slog.String("network", gateway.Name()),
		slog.String("chain_id", gateway.ChainID().String()),
	)

	wallets, err := openWallets(ctx, cfg.Wallet)
	if err != nil {
		return err
	}

	var redisClient *goredis.Client
	if cfg.TaskQueue.Driver == "redis" || cfg.Transaction.NonceDriver == "redis" {
		redisClient, err = redis.NewClient(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var nonces transaction.NonceSource = transaction.NewMemoryNonceSource()
	if cfg.Transaction.NonceDriver == "redis" {
		nonces = redis.NewNonceSource(redisClient, gateway.ChainID().Int64())
	}
	pipeline := transaction.NewPipeline(gateway,
		transaction.WithNonceSource(nonces),
		transaction.WithConfirmTimeout(cfg.Transaction.ConfirmationTimeout.Std()),
		transaction.WithPollInterval(cfg.Transaction.PollInterval.Std()),
		transaction.WithLogger(logger.Named("transaction")),
	)

	builder := ops.NewBuilder(&ops.Env{
		Wallets: wallets,
		Chain:   gateway,
		Sender:  pipeline,
	}, ops.WithParallelLimit(cfg.TaskQueue.ParallelLimit))

	results, err := openResults(ctx, cfg.Storage.ResultStore)
	if err != nil {
		return err
	}
	defer results.Close()

	jobStore, err := openJobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	queue, err := openQueue(cfg.TaskQueue, redisClient)
	if err != nil {
		_ = jobStore.Close()
		return err
	}

	service := task.NewService(jobStore, queue, builder, cfg.TaskQueue.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: cfg.Alerting.Timeout.Std()},
		})
	}

	processor := task.NewProcessor(builder, jobStore, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithResultSink(results),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)
	if requeued, err := processor.RequeuePending(ctx); err != nil {
		log.Warn("重新投递待处理任务失败", slog.Any("error", err))
	} else if requeued > 0 {
		log.Info("已重新投递待处理任务", slog.Int("count", requeued))
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authenticator, err := auth.NewAuthenticator(cfg.Server.APITokens)
	if err != nil {
		return err
	}
	if !authenticator.Enabled() {
		log.Warn("未配置 API 访问令牌，/api/v1 接口不做认证")
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Tasks:   service,
		Wallets: wallets,
		Chain:   gateway,
		Results: results,
		Auth:    authenticator,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func initLogger(cfg config.LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.AuditPath != "",
			Path:       cfg.AuditPath,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
	})
}

// openWallets 解锁钱包目录，并在配置了默认私钥时导入并激活它。
func openWallets(ctx context.Context, cfg config.WalletConfig) (*wallet.Store, error) {
	password := cfg.Password
	if password == "" && cfg.PasswordPrompt {
		fmt.Fprint(os.Stderr, "钱包口令: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("读取钱包口令失败: %w", err)
		}
		password = string(raw)
	}

	store := wallet.NewStore(cfg.Dir,
		wallet.WithPassword(password),
		wallet.WithLogger(logger.Named("wallet")),
	)
	if err := store.Load(ctx, password); err != nil {
		return nil, err
	}

	if cfg.DefaultPrivateKey != "" {
		_, err := store.Get(cfg.DefaultName)
		if xerrors.HasCode(err, xerrors.CodeWalletNotFound) {
			_, err = store.ImportPrivateKey(cfg.DefaultName, cfg.DefaultPrivateKey)
		}
		if err != nil {
			return nil, err
		}
	}
	if cfg.DefaultName != "" {
		if err := store.SetActive(cfg.DefaultName); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func openResults(ctx context.Context, cfg config.ResultStoreConfig) (mysql.ResultRepository, error) {
	switch cfg.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, mysqlConfig(cfg.DSN, cfg))
		if err != nil {
			return nil, err
		}
		repo, err := mysql.NewSQLResultRepository(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return repo, nil
	default:
		repo, err := mysql.NewMemoryResultRepository(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

func openJobStore(ctx context.Context, cfg config.StorageConfig) (task.Store, error) {
	switch cfg.JobStore.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, mysqlConfig(cfg.JobStore.DSN, cfg.ResultStore))
		if err != nil {
			return nil, err
		}
		store, err := task.NewMySQLStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	default:
		return task.NewMemoryStore(), nil
	}
}

func mysqlConfig(dsn string, pool config.ResultStoreConfig) mysql.Config {
	return mysql.Config{
		DSN:             dsn,
		MaxOpenConns:    pool.MaxOpenConns,
		MaxIdleConns:    pool.MaxIdleConns,
		ConnMaxLifetime: pool.ConnMaxLifetime.Std(),
		Retries:         pool.Retries,
	}
}

func openQueue(cfg config.TaskQueueConfig, client *goredis.Client) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueueWithClient(client, cfg.Redis.Queue, cfg.Redis.BlockWait.Std()), nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return task.NewMemoryQueue(1024), nil
	}
}
