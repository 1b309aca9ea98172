package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"pairarb/internal/application/port"
	"pairarb/internal/application/service"
	"pairarb/internal/application/usecase/arbitrage"
	"pairarb/internal/application/usecase/monitor"
	"pairarb/internal/application/usecase/selling"
	"pairarb/internal/application/usecase/timesync"
	dsvc "pairarb/internal/domain/service"
	"pairarb/internal/infrastructure/config"
	"pairarb/internal/infrastructure/exchange/binance"
	"pairarb/internal/infrastructure/notify"
	"pairarb/internal/infrastructure/storage/composite"
	"pairarb/internal/infrastructure/storage/mysql"
	"pairarb/internal/infrastructure/storage/postgres"
	redisrepo "pairarb/internal/infrastructure/storage/redis"
	"pairarb/internal/infrastructure/storage/sqlite"
	"pairarb/internal/infrastructure/storage/sqlstore"
	"pairarb/internal/infrastructure/telemetry"
	"pairarb/internal/interfaces/console"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	Exchange      *binance.Client
	Store         *sqlstore.Store
	redisClient   *redisclient.Client
	meterProvider *sdkmetric.MeterProvider

	// 输出端口
	Sink     port.Sink
	Journal  port.DecisionJournal
	Notifier port.Notifier
	Metrics  port.Metrics

	// 应用业务组件（依赖基础设施）
	Executor  *service.Executor
	Meter     *timesync.Meter
	Engine    *arbitrage.Engine
	Lifecycle *arbitrage.Lifecycle
	Seller    *selling.Seller
	Pipeline  *selling.Pipeline

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext，所有依赖在这里按顺序装配
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        console.NewSink(nil),
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initTelemetry(); err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	sc.initExchange()

	if err := sc.initStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	if err := sc.initJournal(); err != nil {
		return fmt.Errorf("journal initialization failed: %w", err)
	}
	sc.initUsecases()

	log.Info().
		Str("storage", sc.Config.Storage.Driver).
		Bool("redis", sc.Config.Redis.Enabled).
		Bool("credentials", sc.Config.HasCredentials()).
		Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) initTelemetry() error {
	t := sc.Config.Telemetry
	mp, err := telemetry.Setup(sc.Ctx, telemetry.Options{
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		Interval:    t.Interval.Duration,
	})
	if err != nil {
		return err
	}
	sc.meterProvider = mp
	sc.closerChain = append(sc.closerChain, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mp.Shutdown(ctx)
	})

	m, err := telemetry.NewMetrics(mp)
	if err != nil {
		return err
	}
	sc.Metrics = m
	log.Info().Str("endpoint", t.Endpoint).Msg("✓ Telemetry initialized")
	return nil
}

func (sc *ServiceContext) initExchange() {
	b := sc.Config.Exchange.Binance
	sc.Exchange = binance.New(binance.Options{
		APIKey:         b.APIKey,
		APISecret:      b.APISecret,
		BaseURL:        b.BaseURL,
		WsURL:          b.WsURL,
		Timeout:        b.Timeout.Duration,
		RequestsPerSec: b.RequestsPerSec,
		Burst:          b.Burst,
	})
	if !sc.Config.HasCredentials() {
		log.Warn().Msg("binance credentials missing, signed endpoints will fail")
	}
	log.Info().Str("rest", b.BaseURL).Str("ws", b.WsURL).Msg("✓ Binance initialized")
}

func (sc *ServiceContext) initStorage() error {
	st := sc.Config.Storage
	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()

	var (
		store *sqlstore.Store
		err   error
	)
	switch st.Driver {
	case "sqlite":
		store, err = sqlite.Open(ctx, st.DSN)
	case "postgres":
		store, err = postgres.Open(ctx, st.DSN)
	case "mysql":
		store, err = mysql.Open(ctx, st.DSN)
	default:
		err = fmt.Errorf("unknown driver %q", st.Driver)
	}
	if err != nil {
		return err
	}
	sc.Store = store
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Str("driver", st.Driver).Msg("closing storage")
		return store.Close()
	})
	log.Info().Str("driver", st.Driver).Msg("✓ Storage initialized")
	return nil
}

// initJournal 决策总是写日志；启用 redis 时同时写 stream 并发通知
func (sc *ServiceContext) initJournal() error {
	journals := []port.DecisionJournal{console.Journal{}}
	notifiers := []port.Notifier{notify.LogNotifier{}}

	if sc.Config.Redis.Enabled {
		rc := sc.Config.Redis
		rdb := redisclient.NewClient(&redisclient.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})

		// 测试连接
		ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		sc.redisClient = rdb
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing redis connection")
			return rdb.Close()
		})

		repo := redisrepo.New(rdb, redisrepo.Options{
			Prefix:         rc.Prefix,
			DecisionStream: rc.DecisionStream,
			NotifyChannel:  rc.NotifyChannel,
			StreamMaxLen:   rc.StreamMaxLen,
		})
		journals = append(journals, repo)
		notifiers = append(notifiers, repo)
		log.Info().Str("addr", rc.Addr).Int("db", rc.DB).Msg("✓ Redis initialized")
	}

	sc.Journal = composite.NewJournal(journals...)
	sc.Notifier = composite.NewNotifier(notifiers...)
	return nil
}

func (sc *ServiceContext) initUsecases() {
	cfg := sc.Config
	retry := service.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		MaxElapsed:      cfg.Retry.MaxElapsed.Duration,
		InitialInterval: cfg.Retry.InitialInterval.Duration,
		MaxInterval:     cfg.Retry.MaxInterval.Duration,
	}
	router := dsvc.NewRouter(cfg.ReferenceBase(), dsvc.DefaultMarkets)
	sc.Executor = service.NewExecutor(sc.Exchange, router, retry, cfg.Arbitrage.MinNotional, sc.Metrics)
	sc.Meter = timesync.NewMeter(sc.Exchange, cfg.Timesync.Samples, cfg.Timesync.Interval.Duration)

	sc.Engine = arbitrage.NewEngine(arbitrage.EngineDeps{
		Exchange: sc.Exchange,
		Executor: sc.Executor,
		Store:    sc.Store,
		Journal:  sc.Journal,
		Notifier: sc.Notifier,
		Metrics:  sc.Metrics,
		Settings: sc.ArbitrageSettings(),
	})
	sc.Lifecycle = arbitrage.NewLifecycle(arbitrage.LifecycleDeps{
		Store:        sc.Store,
		Runner:       sc.Engine,
		Closes:       sc.Store,
		Closer:       sc.Engine,
		LeadTime:     cfg.Arbitrage.LeadTime.Duration,
		PollInterval: cfg.App.PollInterval.Duration,
	})

	ss := sc.SellingSettings()
	sc.Seller = selling.NewSeller(selling.SellerDeps{
		Exchange: sc.Exchange,
		Executor: sc.Executor,
		Store:    sc.Store,
		Latency:  sc.Meter,
		Journal:  sc.Journal,
		Notifier: sc.Notifier,
		Metrics:  sc.Metrics,
		Settings: ss,
	})
	var withdrawer port.Withdrawer
	if ss.WithdrawAddress != "" {
		withdrawer = sc.Exchange
	}
	sc.Pipeline = selling.NewPipeline(selling.PipelineDeps{
		Store:      sc.Store,
		Exchange:   sc.Exchange,
		Executor:   sc.Executor,
		Seller:     sc.Seller,
		Withdrawer: withdrawer,
		Notifier:   sc.Notifier,
		Settings:   ss,
	})
}

// ArbitrageSettings config -> engine settings
func (sc *ServiceContext) ArbitrageSettings() arbitrage.Settings {
	a := sc.Config.Arbitrage
	s := arbitrage.DefaultSettings()
	s.Reference = sc.Config.ReferenceBase()
	s.Window = a.Window.Duration
	s.WindowStep = a.WindowStep.Duration
	s.BucketInterval = a.BucketInterval.Duration
	s.FirstBucketDelay = a.FirstBucketDelay.Duration
	s.FirstMissThreshold = a.FirstMissThreshold
	s.MissThreshold = a.MissThreshold
	s.MaxMisses = a.MaxMisses
	if a.CloseOnFirstBucket != nil {
		s.CloseOnFirstBucket = *a.CloseOnFirstBucket
	}
	return s
}

func (sc *ServiceContext) SellingSettings() selling.Settings {
	c := sc.Config.Selling
	s := selling.DefaultSettings()
	s.LeadTime = c.LeadTime.Duration
	s.PollInterval = sc.Config.App.PollInterval.Duration
	s.SellDelay = c.SellDelay.Duration
	s.DiscardTop = c.DiscardTop
	s.LimitSettle = c.LimitSettle.Duration
	s.ConversionAsset = sc.Config.ConversionBase()
	s.ConversionShare = c.ConversionShare
	s.WithdrawAddress = c.WithdrawAddress
	s.WithdrawDelay = c.WithdrawDelay.Duration
	return s
}

// Monitor 构建只读监控服务
func (sc *ServiceContext) Monitor(pairs []string) (*monitor.Service, error) {
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	a := sc.Config.Arbitrage
	return monitor.NewService(monitor.ServiceDeps{
		Exchange:      sc.Exchange,
		Pairs:         pairs,
		Reference:     sc.Config.ReferenceBase(),
		Window:        a.Window.Duration,
		WindowStep:    a.WindowStep.Duration,
		MissThreshold: a.MissThreshold,
		PrintEvery:    sc.Config.App.PrintEvery.Duration,
		Sink:          sc.Sink,
	}), nil
}

// Close 按初始化的相反顺序释放资源
func (sc *ServiceContext) Close() error {
	var firstErr error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	sc.closerChain = nil
	return firstErr
}
