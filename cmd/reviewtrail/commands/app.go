package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reviewtrail/internal/adapters/profile"
	"reviewtrail/internal/cache"
	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/db"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/docstore"
	"reviewtrail/internal/harvest"
	"reviewtrail/internal/mailbox"
	"reviewtrail/internal/resilience"
	"reviewtrail/internal/secrets"
	"reviewtrail/internal/session"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/surface/rodsurface"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"
)

// app holds everything a command needs, close releases it in reverse order.
type app struct {
	config     Config
	tel        telemetry.API
	prometheus telemetry.PrometheusAPI
	engine     *harvest.Engine
	conn       *sql.DB

	closers []func(ctx context.Context) error
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newApp wires the engine from the configuration at path. The browser is
// only launched when withBrowser is set.
func newApp(ctx context.Context, path string, withBrowser bool) (_ *app, err error) {
	config, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	timeouts, err := config.Timeouts.parse()
	if err != nil {
		return nil, err
	}

	a := &app{
		config:     config,
		prometheus: telemetry.NewPrometheusAPI(),
	}
	a.tel = telemetry.MultiAPI{telemetry.SlogAPI{}, a.prometheus}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	otel, err := telemetry.SetupOtel(ctx, "reviewtrail", config.Otlp)
	if err != nil {
		return nil, fmt.Errorf("setup otel: %w", err)
	}
	a.closers = append(a.closers, otel.Shutdown)

	a.conn, err = db.Open(ctx, config.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.conn.Close() })

	clock := chrono.NewStandardTime()
	index, err := cache.Open(ctx, a.conn, clock, a.tel)
	if err != nil {
		return nil, err
	}

	var platforms []harvest.Platform
	for _, p := range config.Platforms {
		loaded, err := profile.Load(p.Profile)
		if err != nil {
			return nil, err
		}
		account := p.Account
		account.Platform = loaded.Name
		platforms = append(platforms, harvest.Platform{Profile: loaded, Account: account})
	}

	deps := harvest.Dependencies{
		Platforms: platforms,
		Secrets:   secrets.NewFileStore(config.Secrets),
		Documents: docstore.NewFileStore(config.DocumentDir, a.tel),
		Cache:     index,
		Registry:  a.conn,
		Time:      clock,
		Telemetry: a.tel,
		Surfaces: func(ctx context.Context, account session.Account) (surface.Surface, error) {
			return nil, fmt.Errorf("no browser available for %s", account.Key())
		},
	}

	if config.Mailbox.BaseURL != "" {
		client, err := mailbox.NewClient(config.Mailbox, a.tel)
		if err != nil {
			return nil, err
		}
		deps.Challenges = client
		deps.Messages = client
	}

	if withBrowser {
		browserConfig := config.Browser
		browserConfig.ElementTimeout = timeouts.element
		browser, err := rodsurface.Launch(ctx, browserConfig, a.tel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return browser.Close() })
		deps.Surfaces = browser.Open
	}

	a.engine = harvest.NewEngine(deps, harvest.Config{
		ExportDir:       config.ExportDir,
		CheckpointPath:  config.Checkpoint,
		CheckpointEvery: config.CheckpointEvery,
		Workers:         config.Workers,
		Session: session.Config{
			ChallengeTimeout: timeouts.challenge,
			StepTimeout:      timeouts.login,
			ActionsPerSecond: config.ActionsPerSecond,
		},
		Policy:    resilience.DefaultPolicy(),
		Traversal: traversal.Config{StepTimeout: timeouts.step},
		Timeline:  timeline.DefaultConfig(),
	})
	return a, nil
}
