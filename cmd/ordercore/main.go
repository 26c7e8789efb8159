package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/api"
	"github.com/betbot/ordercore/internal/broker"
	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/execution"
	"github.com/betbot/ordercore/internal/marketdata"
	"github.com/betbot/ordercore/internal/metrics"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/internal/position"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/stats"
	"github.com/betbot/ordercore/internal/storage"
	"github.com/betbot/ordercore/pkg/config"
	"github.com/betbot/ordercore/pkg/logger"
	"github.com/betbot/ordercore/pkg/persistence"
	"github.com/betbot/ordercore/pkg/secretstore"
	"github.com/betbot/ordercore/pkg/shutdown"
	"github.com/betbot/ordercore/pkg/syncgroup"
)

func main() {
	// .env 可选，缺失时直接使用真实环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("ORDERCORE_CONFIG"), "config file (.yaml/.yml/.json)")
		listen     = flag.String("listen", "", "HTTP listen address (overrides server.listen)")
		paper      = flag.Bool("paper", false, "force paper broker")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *paper {
		cfg.Broker.Kind = "paper"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		logger.Errorf("❌ 启动失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd := shutdown.NewManager()

	store, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	sd.OnShutdown("storage", func(context.Context) error { return store.Close() })

	loc, _ := cfg.Risk.Location()
	ledger := risk.NewLedger(decimal.NewFromFloat(cfg.Risk.DefaultEquity), loc)
	snapshots := risk.LedgerStore(persistence.NewJSONFileService(cfg.PersistenceDir))
	if n, err := risk.LoadLedger(snapshots, ledger); err != nil {
		logger.Warnf("恢复风控计数失败，从零开始: %v", err)
	} else if n > 0 {
		metrics.SnapshotLoads.Add(1)
	}
	sd.OnShutdown("ledger-snapshot", func(context.Context) error {
		metrics.SnapshotSaves.Add(1)
		return risk.SaveLedger(snapshots, ledger)
	})

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveErrors: int64(cfg.Risk.MaxConsecutiveBrokerErrors),
	})
	engine := risk.NewEngine(risk.Limits{
		DailyLossLimit:   decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		MaxTradesPerDay:  cfg.Risk.MaxTradesPerDay,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxLeverage:      decimal.NewFromFloat(cfg.Risk.MaxLeverage),
	}, ledger, breaker)

	positions := position.NewManager(store, ledger)
	n, err := positions.Load(ctx)
	if err != nil {
		return fmt.Errorf("加载持仓失败: %w", err)
	}
	logger.Infof("📂 已加载未平仓位: %d", n)

	prices := marketdata.NewPriceBook(cfg.MarketData.PriceTTL.Std())
	sd.OnShutdown("pricebook", func(context.Context) error { prices.Close(); return nil })

	if err := loadSecrets(cfg); err != nil {
		return err
	}
	brk, paperBroker := newBroker(cfg, prices)
	conn, err := brk.Connect(ctx, domain.Credentials{
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		AccountID: cfg.Broker.AccountID,
	})
	if err != nil {
		// 未连接时下单会返回 not_connected，服务仍然启动以便查询
		logger.Warnf("⚠️ 券商连接失败: %v", err)
	} else {
		logger.Infof("✅ 券商已连接: kind=%s session=%s", cfg.Broker.Kind, conn.SessionID)
	}

	collector := stats.NewCollector()
	agent, err := execution.NewAgent(execution.Config{
		LockTimeout:   cfg.Execution.LockTimeout.Std(),
		BrokerTimeout: cfg.Execution.BrokerTimeout.Std(),
		LockShards:    cfg.Execution.LockShards,
		AutoExit:      cfg.Execution.AutoExit,
		Retention:     cfg.Execution.OrderRetention.Std(),
	}, execution.Deps{
		Broker:    brk,
		Risk:      engine,
		Positions: positions,
		Stats:     collector,
		Orders:    store,
		Prices:    prices,
	})
	if err != nil {
		return err
	}
	sd.OnShutdown("agent", agent.Close)
	if n, err := agent.Recover(ctx); err != nil {
		logger.Warnf("⚠️ 恢复未结束订单失败，将在对账时重试: %v", err)
	} else if n > 0 {
		logger.Infof("📂 待对账订单: %d", n)
	}

	// 纸交易先撮合挂单，再由执行器判定止损/止盈
	var feedHandler ports.PriceUpdateHandler = agent
	if paperBroker != nil {
		feedHandler = marketdata.Fanout{paperBroker, agent}
	}
	feedHandler = countingHandler{next: feedHandler}

	bg := syncgroup.NewSyncGroup()
	bgCtx, bgCancel := context.WithCancel(ctx)
	sd.OnShutdown("background", func(context.Context) error { bgCancel(); bg.Wait(); return nil })

	if iv := cfg.Execution.ReconcileInterval.Std(); iv > 0 {
		bg.Go(func() { reconcileLoop(bgCtx, agent, iv) })
	}

	if cfg.MarketData.WSURL != "" {
		feed, err := marketdata.NewWSFeed(marketdata.WSConfig{
			URL:      cfg.MarketData.WSURL,
			Symbols:  cfg.MarketData.Symbols,
			ProxyURL: cfg.MarketData.ProxyURL,
		}, feedHandler)
		if err != nil {
			return err
		}
		if err := feed.Start(ctx); err != nil {
			return err
		}
		sd.OnShutdown("ws-feed", func(context.Context) error { feed.Close(); return nil })
	}
	if cfg.MarketData.PollURL != "" {
		poller, err := marketdata.NewPoller(
			marketdata.NewHTTPPriceSource(cfg.MarketData.PollURL, 0),
			feedHandler, cfg.MarketData.Symbols, cfg.MarketData.PollInterval.Std())
		if err != nil {
			return err
		}
		poller.Start(ctx)
		sd.OnShutdown("poller", func(context.Context) error { poller.Close(); return nil })
	}

	if cfg.Metrics.Enabled {
		if _, err := metrics.StartAsync(ctx, cfg.Metrics.Listen, collector.Registry()); err != nil {
			return fmt.Errorf("启动 metrics 服务失败: %w", err)
		}
	}

	srv := api.New(agent, feedHandler)
	if _, err := srv.Start(ctx, cfg.Server.Listen); err != nil {
		return fmt.Errorf("启动 HTTP 服务失败: %w", err)
	}
	sd.OnShutdown("http", srv.Shutdown)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	for sig := range stopCh {
		if sig == syscall.SIGHUP {
			if err := logger.Rotate(); err != nil {
				logger.Warnf("切换日志文件失败: %v", err)
			}
			continue
		}
		logger.Infof("收到信号 %s，开始关闭", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if failed := sd.Shutdown(shutdownCtx); failed > 0 {
		return fmt.Errorf("%d 个组件关闭失败", failed)
	}
	logger.Infof("ordercore stopped")
	return nil
}

// loadSecrets 从加密凭证库覆盖券商凭证（配置了 broker.secret_db 时）
func loadSecrets(cfg *config.Config) error {
	if cfg.Broker.SecretDB == "" {
		return nil
	}
	key, err := secretstore.ParseKey(os.Getenv("ORDERCORE_SECRET_KEY"))
	if err != nil {
		return fmt.Errorf("ORDERCORE_SECRET_KEY 无效: %w", err)
	}
	if key == nil {
		return fmt.Errorf("配置了 broker.secret_db 但未设置 ORDERCORE_SECRET_KEY")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Broker.SecretDB, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return err
	}
	defer ss.Close()

	hit, err := ss.Fill(map[string]*string{
		secretKeyPrefix + "BROKER_API_KEY":    &cfg.Broker.APIKey,
		secretKeyPrefix + "BROKER_API_SECRET": &cfg.Broker.APISecret,
		secretKeyPrefix + "BROKER_ACCOUNT_ID": &cfg.Broker.AccountID,
	})
	if err != nil {
		return fmt.Errorf("读取凭证库失败: %w", err)
	}
	logger.Infof("🔐 已从凭证库加载 %d 项券商凭证", hit)
	if cfg.Broker.Kind == "http" && cfg.Broker.APIKey == "" {
		return fmt.Errorf("凭证库中没有 %sBROKER_API_KEY", secretKeyPrefix)
	}
	return nil
}

// secretKeyPrefix 与 ordercore-secrets 导入时使用的前缀一致
const secretKeyPrefix = "env/ORDERCORE_"

func newBroker(cfg *config.Config, prices ports.PriceBook) (ports.Broker, *broker.PaperBroker) {
	if cfg.Broker.Kind == "http" {
		return broker.NewHTTPBroker(broker.HTTPConfig{
			BaseURL:       cfg.Broker.BaseURL,
			Timeout:       cfg.Broker.Timeout.Std(),
			RateLimit:     cfg.Broker.RateLimit,
			StatusRetries: cfg.Broker.StatusRetries,
		}), nil
	}
	pb := broker.NewPaperBroker(broker.PaperConfig{
		Latency:   cfg.Broker.Paper.Latency.Std(),
		FillRatio: decimal.NewFromFloat(cfg.Broker.Paper.FillRatio),
	}, prices)
	return pb, pb
}

func reconcileLoop(ctx context.Context, agent *execution.Agent, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-agent.ReconcileSignal():
			// 超时刚发生时券商多半还没结果，稍等再查
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		n := agent.ReconcilePending(ctx)
		metrics.ReconcileRuns.Add(1)
		metrics.ReconcileOrders.Add(int64(n))
		if n > 0 {
			logger.WithFields(logrus.Fields{"orders": n}).Debug("reconcile pass")
		}
	}
}

// countingHandler 统计行情条数
type countingHandler struct {
	next ports.PriceUpdateHandler
}

func (h countingHandler) OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal) {
	metrics.PriceTicks.Add(1)
	h.next.OnPriceUpdate(ctx, symbol, price)
}
