// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup, database opening and actor
// resolution.
package appctx

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/config"
	"github.com/lherron/graphport/internal/db"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/logging"
	"github.com/lherron/graphport/internal/retry"
	"github.com/lherron/graphport/internal/store"
)

// App holds the shared application context for commands.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	// DB and Store are nil if NeedsDB is false.
	DB    *db.DB
	Store *store.Store

	// Actor is nil if NeedsActor is false.
	Actor *domain.User
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
		a.Store = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// RetryPolicy returns the retry policy configured for transient failures.
func (a *App) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = a.Config.RetryMaxAttempts
	if a.Config.RetryInitialInterval > 0 {
		p.InitialInterval = a.Config.RetryInitialInterval
	}
	return p
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database.
	NeedsDB bool

	// NeedsActor indicates whether to resolve the acting user.
	// Requires NeedsDB to also be true.
	NeedsActor bool
}

// DefaultOptions returns default options (DB required, no actor).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// WithActor returns options that require both DB and actor.
func WithActor() Options {
	return Options{NeedsDB: true, NeedsActor: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The database is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	if v := flagValue(cmd, "db"); v != "" {
		app.Config.DBPath = v
	}
	if v := flagValue(cmd, "log-level"); v != "" {
		app.Config.LogLevel = v
	}

	app.Logger, err = logging.New(logging.Options{
		Level:  app.Config.LogLevel,
		Output: cmd.ErrOrStderr(),
		File:   app.Config.LogFile,
	})
	if err != nil {
		return nil, err
	}

	if opts.NeedsDB {
		database, err := db.Open(app.Config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		if err := database.RequiresMigrationError(); err != nil {
			database.Close()
			return nil, err
		}

		app.DB = database
		app.Store = store.New(database)
	}

	if opts.NeedsActor {
		if app.DB == nil {
			app.Close()
			return nil, fmt.Errorf("actor resolution requires database (set NeedsDB: true)")
		}

		actor, err := resolveActor(cmd.Context(), app, cmd)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Actor = actor
	}

	return app, nil
}

// resolveActor resolves the acting user from the --as flag, env, or config.
func resolveActor(ctx context.Context, app *App, cmd *cobra.Command) (*domain.User, error) {
	handle := flagValue(cmd, "as")
	if handle == "" {
		handle = app.Config.ActorHandle()
	}
	if handle == "" {
		return nil, fmt.Errorf("no actor configured (set GRAPHPORT_ACTOR or use --as flag)")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	actor, err := store.FindUserByHandle(ctx, app.DB, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor: %w", err)
	}
	return actor, nil
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}
