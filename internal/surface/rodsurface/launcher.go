// Package rodsurface implements surface.Surface on a Chrome instance driven
// through the DevTools protocol by go-rod.
package rodsurface

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/session"
	"reviewtrail/internal/surface"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

const report_launcher_close = "launcher.close"

type Config struct {
	// ControlURL connects to a running browser, one is launched otherwise.
	ControlURL string `json:"control_url"`
	// Launch is the browser binary followed by extra flags.
	Launch   []string `json:"launch"`
	Headless *bool    `json:"headless"`

	// ElementTimeout is how long an element is waited for before it counts
	// as absent.
	ElementTimeout time.Duration `json:"-"`
	// Settle is the network idle period awaited after a click.
	Settle time.Duration `json:"-"`
}

func (c Config) headless() bool {
	return c.Headless == nil || *c.Headless
}

func (c Config) withDefaults() Config {
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 5 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	return c
}

// Launcher owns the browser connection, every account gets its own
// incognito context so sessions never share cookies.
type Launcher struct {
	browser *rod.Browser
	config  Config
	tel     telemetry.API
}

func (c Config) launcher() *launcher.Launcher {
	l := launcher.New().Headless(c.headless())
	if len(c.Launch) == 0 {
		return l
	}
	l = l.Bin(c.Launch[0])
	for _, raw := range c.Launch[1:] {
		name, value, hasValue := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func Launch(ctx context.Context, config Config, tel telemetry.API) (*Launcher, error) {
	assert.NotNil(tel)
	config = config.withDefaults()

	controlURL := config.ControlURL
	if controlURL == "" {
		var err error
		controlURL, err = config.launcher().Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}

	browser := rod.New().ControlURL(controlURL)
	err := browser.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	return &Launcher{
		browser: browser,
		config:  config,
		tel:     telemetry.NewScopedAPI("rodsurface", tel),
	}, nil
}

// Open has the signature of session.SurfaceFactory.
func (l *Launcher) Open(ctx context.Context, account session.Account) (surface.Surface, error) {
	incognito, err := l.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context for %s: %w", account.Key(), mapError(err))
	}
	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		incognito.Close()
		return nil, fmt.Errorf("page for %s: %w", account.Key(), mapError(err))
	}
	return newSurface(incognito, page, l.config, l.tel), nil
}

func (l *Launcher) Close() error {
	err := l.browser.Close()
	if err != nil {
		l.tel.ReportWarning(report_launcher_close, err)
	}
	return err
}
