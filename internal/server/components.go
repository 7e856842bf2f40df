package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/clock/system"
	"github.com/JakeFAU/channel-crawler/internal/config"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/lock"
	"github.com/JakeFAU/channel-crawler/internal/notify"
	"github.com/JakeFAU/channel-crawler/internal/publisher"
	"github.com/JakeFAU/channel-crawler/internal/publisher/archive"
	logsink "github.com/JakeFAU/channel-crawler/internal/publisher/log"
	pubsubsink "github.com/JakeFAU/channel-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/channel-crawler/internal/publisher/redisstream"
	"github.com/JakeFAU/channel-crawler/internal/publisher/telegram"
	"github.com/JakeFAU/channel-crawler/internal/remote/gateway"
	remotememory "github.com/JakeFAU/channel-crawler/internal/remote/memory"
	gcsstorage "github.com/JakeFAU/channel-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/channel-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/channel-crawler/internal/storage/memory"
	"github.com/JakeFAU/channel-crawler/internal/storage/postgres"
	"github.com/JakeFAU/channel-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/channel-crawler/internal/store"
)

// logContentLimit caps record content in the log sink.
const logContentLimit = 512

// Admin holds the state store, identity pool and lock manager. The CLI opens
// one on its own for operator commands; App builds on top of it.
type Admin struct {
	Store store.Store
	Pool  *identity.Pool
	Locks *lock.Manager

	redis   redis.UniversalClient
	closers []func() error
}

// OpenAdmin connects the stores the operator commands need. clock defaults to
// wall time; notifier may be nil.
func OpenAdmin(ctx context.Context, cfg *config.Config, clock crawler.Clock, notifier crawler.Notifier, logger *zap.Logger) (*Admin, error) {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a := &Admin{Store: st}
	a.closers = append(a.closers, st.Close)

	if cfg.Lock.Backend == "redis" || cfg.Sink.Enabled(config.SinkRedis) {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}

	backend, err := a.lockBackend(cfg.Lock)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Locks, err = lock.NewManager(backend, clock, cfg.Lock.Timeout, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("lock manager init failed: %w", err)
	}

	dialer, err := newDialer(cfg.Gateway, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Pool, err = identity.NewPool(st, dialer, notifier, clock, identity.Config{
		AuthAttempts:    cfg.Auth.Attempts,
		AuthDelay:       cfg.Auth.Delay,
		StaleInUseAfter: cfg.Lock.Timeout,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("identity pool init failed: %w", err)
	}
	return a, nil
}

// Close releases every connection in reverse order of opening.
func (a *Admin) Close() error {
	if a.Pool != nil {
		a.Pool.Close()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func (a *Admin) lockBackend(cfg config.LockConfig) (lock.Backend, error) {
	if cfg.Backend != "redis" {
		return lock.NewStoreBackend(a.Store), nil
	}
	backend, err := lock.NewRedisBackend(a.redis, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("redis lock backend init failed: %w", err)
	}
	return backend, nil
}

// OpenStore opens the state store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Schema:          cfg.Postgres.Schema,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres state store", zap.String("schema", cfg.Postgres.Schema))
		return st, nil
	case "memory":
		logger.Warn("using in-memory state store; state is lost on exit")
		return memorystorage.NewStore(), nil
	default:
		st, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite state store", zap.String("path", cfg.SQLite.Path))
		return st, nil
	}
}

func newDialer(cfg config.GatewayConfig, logger *zap.Logger) (crawler.Dialer, error) {
	if cfg.Mode == "simulated" {
		logger.Warn("using simulated remote platform")
		return remotememory.NewPlatform(), nil
	}
	dialer, err := gateway.NewDialer(gateway.Config{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.Token,
		Timeout:       cfg.Timeout,
		RateLimitWait: cfg.RateLimitWait,
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}
	logger.Info("using gateway remote client", zap.String("base_url", cfg.BaseURL))
	return dialer, nil
}

// newNotifier always logs; email and Slack are added when configured.
func newNotifier(cfg config.NotifyConfig, clock crawler.Clock, logger *zap.Logger) (*notify.Dispatcher, error) {
	senders := notify.Multi{notify.NewLog(logger)}
	if e := cfg.Email; e.Enabled {
		email, err := notify.NewEmail(notify.EmailConfig{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
			To:       e.To,
			StartTLS: e.StartTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("email notifier init failed: %w", err)
		}
		senders = append(senders, email)
		logger.Info("email notifications enabled", zap.Strings("to", e.To))
	}
	if cfg.Slack.WebhookURL != "" {
		slack, err := notify.NewSlack(cfg.Slack.WebhookURL, cfg.Slack.Channel)
		if err != nil {
			return nil, fmt.Errorf("slack notifier init failed: %w", err)
		}
		senders = append(senders, slack)
		logger.Info("slack notifications enabled")
	}
	return notify.NewDispatcher(notify.DispatcherConfig{
		BufferSize:  cfg.BufferSize,
		SendTimeout: cfg.SendTimeout,
		Clock:       clock,
		Logger:      logger,
	}, senders), nil
}

// openSinks builds the fan-out over every configured sink. The returned
// closers release the clients the sinks own.
func openSinks(
	ctx context.Context,
	cfg config.SinkConfig,
	rdb redis.UniversalClient,
	clock crawler.Clock,
	logger *zap.Logger,
) (*publisher.Fanout, []func() error, error) {
	var (
		sinks   []publisher.Named
		closers []func() error
	)
	fail := func(err error) (*publisher.Fanout, []func() error, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, nil, err
	}

	for _, kind := range cfg.Kinds {
		switch kind {
		case config.SinkLog:
			sinks = append(sinks, publisher.Named{Name: kind, Sink: logsink.New(logger, logContentLimit)})
		case config.SinkPubSub:
			pub, err := pubsubsink.Open(ctx, pubsubsink.Config{ProjectID: cfg.PubSub.ProjectID, TopicID: cfg.PubSub.TopicID})
			if err != nil {
				return fail(fmt.Errorf("pubsub sink init failed: %w", err))
			}
			closers = append(closers, pub.Close)
			sinks = append(sinks, publisher.Named{Name: kind, Sink: pub})
		case config.SinkRedis:
			pub, err := redisstream.New(rdb, redisstream.Config{Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.MaxLen})
			if err != nil {
				return fail(fmt.Errorf("redis stream sink init failed: %w", err))
			}
			sinks = append(sinks, publisher.Named{Name: kind, Sink: pub})
		case config.SinkTelegram:
			pub, err := telegram.New(telegram.Config{
				Token:     cfg.Telegram.Token,
				Target:    cfg.Telegram.Target,
				PerSecond: cfg.Telegram.PerSecond,
			})
			if err != nil {
				return fail(fmt.Errorf("telegram sink init failed: %w", err))
			}
			sinks = append(sinks, publisher.Named{Name: kind, Sink: pub})
		case config.SinkArchive:
			blobs, closer, err := openArchiveStore(ctx, cfg.Archive)
			if err != nil {
				return fail(err)
			}
			if closer != nil {
				closers = append(closers, closer)
			}
			pub, err := archive.New(blobs, clock)
			if err != nil {
				return fail(fmt.Errorf("archive sink init failed: %w", err))
			}
			sinks = append(sinks, publisher.Named{Name: kind, Sink: pub})
		default:
			return fail(fmt.Errorf("unknown sink %q", kind))
		}
		logger.Info("sink enabled", zap.String("sink", kind))
	}
	if len(sinks) == 0 {
		logger.Warn("no sinks configured, records are logged only")
		sinks = append(sinks, publisher.Named{Name: config.SinkLog, Sink: logsink.New(logger, logContentLimit)})
	}
	return publisher.NewFanout(logger, sinks...), closers, nil
}

func openArchiveStore(ctx context.Context, cfg config.ArchiveConfig) (archive.BlobStore, func() error, error) {
	if cfg.Backend == "gcs" {
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		return blobs, blobs.Close, nil
	}
	blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
	if err != nil {
		return nil, nil, fmt.Errorf("local archive init failed: %w", err)
	}
	return blobs, nil, nil
}
