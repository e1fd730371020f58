package cli

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/kimhsiao/bridgesync/internal/auth"
	"github.com/kimhsiao/bridgesync/internal/config"
	"github.com/kimhsiao/bridgesync/internal/db"
	"github.com/kimhsiao/bridgesync/internal/logging"
	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/platform"
	syncpkg "github.com/kimhsiao/bridgesync/internal/sync"
	"github.com/kimhsiao/bridgesync/internal/sync/batch"
	"github.com/kimhsiao/bridgesync/internal/sync/maintenance"
	"github.com/kimhsiao/bridgesync/internal/sync/queue"
	"github.com/kimhsiao/bridgesync/internal/sync/worker"
)

// app is the set of components a command works with.
type app struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	engine   *syncpkg.Engine
	receiver *batch.Receiver
	worker   *worker.Worker
	maint    *maintenance.Service
	auth     *auth.Manager
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := logging.ParseLevel(cfg.Log.Level)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.SetGlobal(logging.New(os.Stderr, level, logging.Format(strings.ToLower(cfg.Log.Format))))
	return cfg, nil
}

// openApp loads configuration, opens the database and builds the engine
// and its collaborators.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenAndMigrate(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(database.DB)

	engine := syncpkg.NewEngine(repo, queue.New(repo), syncpkg.Config{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		DefaultStrategy: cfg.Strategy(),
		AutoResolve:     cfg.Conflict.AutoResolve,
		Peers:           cfg.PeerScopes(),
	})

	a := &app{
		cfg:      cfg,
		database: database,
		repo:     repo,
		engine:   engine,
		receiver: batch.NewReceiver(engine, cfg.Sync.BatchSize),
		worker: worker.New(engine, platformClients(cfg), &worker.Config{
			PollInterval: cfg.PollInterval(),
			CallTimeout:  cfg.PlatformTimeout(),
			BatchSize:    cfg.Sync.BatchSize,
		}),
		maint: maintenance.New(repo, maintenance.Config{
			Schedule:           cfg.Maintenance.Schedule,
			CompletedRetention: days(cfg.Maintenance.CompletedRetentionDays),
			FailedRetention:    days(cfg.Maintenance.FailedRetentionDays),
			StuckAfter:         time.Duration(cfg.Maintenance.StuckAfterMinutes) * time.Minute,
		}),
		auth: newAuthManager(cfg),
	}
	logging.Debug("Application opened", map[string]interface{}{
		"database": cfg.Database.Path,
		"peers":    len(cfg.Sync.Peers),
	})
	return a, nil
}

func (a *app) Close() error {
	return a.database.Close()
}

// platformClients builds a client for every side with a base URL.
func platformClients(cfg *config.Config) platform.Clients {
	clients := platform.Clients{}
	for _, side := range []models.Side{models.SideCMS, models.SideForum} {
		pc := cfg.PlatformFor(side)
		if pc.BaseURL == "" {
			continue
		}
		clients[side] = platform.NewHTTPClient(platform.HTTPConfig{
			Side:     side,
			BaseURL:  pc.BaseURL,
			Token:    pc.Token,
			Timeout:  cfg.PlatformTimeout(),
			FieldMap: pc.FieldMap,
		})
	}
	return clients
}

func newAuthManager(cfg *config.Config) *auth.Manager {
	return auth.NewManager(auth.Config{
		Secret:        cfg.Auth.JWTSecret,
		TokenDuration: cfg.TokenTTL(),
		StaticToken:   cfg.Auth.StaticToken,
		StaticUser:    cfg.Auth.StaticUser,
	})
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
