package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mailchat/mailchat/internal/account"
	"github.com/mailchat/mailchat/internal/bus"
	"github.com/mailchat/mailchat/internal/chat"
	"github.com/mailchat/mailchat/internal/compose"
	"github.com/mailchat/mailchat/internal/config"
	"github.com/mailchat/mailchat/internal/jobs"
	"github.com/mailchat/mailchat/internal/lock"
	"github.com/mailchat/mailchat/internal/logging"
	"github.com/mailchat/mailchat/internal/policy"
	"github.com/mailchat/mailchat/internal/render"
	"github.com/mailchat/mailchat/internal/store"
	"github.com/mailchat/mailchat/internal/transport"
	"github.com/mailchat/mailchat/internal/worker"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideConfig,
			provideStore,
			provideScheduler,
			provideComposer,
			providePolicy,
			provideEncrypter,
			provideFactory,
			provideSMTP,
			provideIMAP,
			provideChatService,
			provideSubmitWorker,
			provideUploadWorker,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.AccountName), p.AccountName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(account.Dir(p.AccountName))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(account.ConfigPath(p.AccountName))
	if err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("config: addr not set, edit %s", account.ConfigPath(p.AccountName))
	}
	logger.Info("config loaded", zap.String("addr", cfg.Addr))
	return cfg, nil
}

func provideStore(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*store.Store, error) {
	dbPath := account.DBPath(p.AccountName)
	s, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := s.Migrate()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if err := s.SetSelfContact(cfg.DisplayName, cfg.Addr); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return s, nil
}

func provideScheduler(s *store.Store, logger *zap.Logger) *jobs.Scheduler {
	return jobs.New(s, logger)
}

func provideComposer(logger *zap.Logger) *compose.Composer {
	return compose.New(logger)
}

func providePolicy(s *store.Store, cfg *config.Config, logger *zap.Logger) *policy.Policy {
	return policy.New(s, cfg.E2EEEnabled, logger)
}

func provideEncrypter() render.Encrypter {
	return render.NopEncrypter{}
}

func provideFactory(s *store.Store, cfg *config.Config, enc render.Encrypter, logger *zap.Logger) *render.Factory {
	return render.NewFactory(s, cfg, enc, logger)
}

func provideSMTP(cfg *config.Config, logger *zap.Logger) *transport.SMTP {
	return transport.NewSMTP(cfg.SMTP, cfg.DialTimeout(), logger)
}

func provideIMAP(cfg *config.Config, logger *zap.Logger) *transport.IMAP {
	return transport.NewIMAP(cfg.IMAP, logger)
}

func provideChatService(s *store.Store, sched *jobs.Scheduler, comp *compose.Composer,
	pol *policy.Policy, cfg *config.Config, logger *zap.Logger) *chat.Service {
	return chat.NewService(s, sched, comp, pol, cfg, logger)
}

func provideSubmitWorker(s *store.Store, sched *jobs.Scheduler, factory *render.Factory,
	smtp *transport.SMTP, cfg *config.Config, logger *zap.Logger) *worker.SubmitWorker {
	return worker.NewSubmitWorker(s, sched, factory, smtp, cfg, logger)
}

func provideUploadWorker(s *store.Store, sched *jobs.Scheduler, factory *render.Factory,
	imap *transport.IMAP, svc *chat.Service, cfg *config.Config, logger *zap.Logger) *worker.UploadWorker {
	return worker.NewUploadWorker(s, sched, factory, imap, svc, cfg, logger)
}

func registerLifecycle(lc fx.Lifecycle, s *store.Store, lk *lock.Lock,
	submit *worker.SubmitWorker, upload *worker.UploadWorker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			submit.Start()
			upload.Start()
			// Pick up jobs left over from the previous run.
			submit.Kick()
			upload.Kick()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			submit.Stop()
			upload.Stop()
			if err := s.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
