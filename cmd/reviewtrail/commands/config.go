package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"reviewtrail/internal/components/configutil"
	"reviewtrail/internal/components/db"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/mailbox"
	"reviewtrail/internal/session"
	"reviewtrail/internal/surface/rodsurface"
)

type PlatformConfig struct {
	// Profile is the path of the platform's YAML profile.
	Profile string          `json:"profile"`
	Account session.Account `json:"account"`
}

type TimeoutConfig struct {
	Step      string `json:"step"`
	Login     string `json:"login"`
	Challenge string `json:"challenge"`
	Element   string `json:"element"`
}

type Config struct {
	StateDir        string `json:"state_dir"`
	ExportDir       string `json:"export_dir"`
	DocumentDir     string `json:"document_dir"`
	Checkpoint      string `json:"checkpoint"`
	CheckpointEvery int    `json:"checkpoint_every"`
	Secrets         string `json:"secrets"`
	Workers         int    `json:"workers"`
	// ActionsPerSecond throttles the remote actions of every session.
	ActionsPerSecond float64 `json:"actions_per_second"`

	Database  db.Config            `json:"database"`
	Mailbox   mailbox.Config       `json:"mailbox"`
	Browser   rodsurface.Config    `json:"browser"`
	Timeouts  TimeoutConfig        `json:"timeouts"`
	Platforms []PlatformConfig     `json:"platforms"`
	Otlp      telemetry.OtlpConfig `json:"otlp"`
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("timeouts.%s: %w", name, err)
	}
	return d, nil
}

type timeouts struct {
	step, login, challenge, element time.Duration
}

func (c TimeoutConfig) parse() (timeouts, error) {
	var t timeouts
	var err error
	if t.step, err = parseDuration("step", c.Step, time.Minute); err != nil {
		return t, err
	}
	if t.login, err = parseDuration("login", c.Login, 30*time.Second); err != nil {
		return t, err
	}
	if t.challenge, err = parseDuration("challenge", c.Challenge, 2*time.Minute); err != nil {
		return t, err
	}
	if t.element, err = parseDuration("element", c.Element, 5*time.Second); err != nil {
		return t, err
	}
	return t, nil
}

// loadConfig reads the configuration and resolves its paths relative to
// the configuration file.
func loadConfig(path string) (Config, error) {
	config, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if config.StateDir == "" {
		config.StateDir = ".state"
	}
	config.StateDir = configutil.ResolvePath(base, "", config.StateDir)

	resolve := func(value, fallback string) string {
		if value == "" {
			value = fallback
		}
		return configutil.ResolvePath(base, config.StateDir, value)
	}
	config.ExportDir = resolve(config.ExportDir, "<state>/exports")
	config.DocumentDir = resolve(config.DocumentDir, "<state>/documents")
	config.Checkpoint = resolve(config.Checkpoint, "<state>/checkpoint.json")
	config.Secrets = resolve(config.Secrets, "secrets.json5")
	config.Database.File = resolve(config.Database.File, "<state>/reviewtrail.db")
	for i := range config.Platforms {
		config.Platforms[i].Profile = configutil.ResolvePath(base, config.StateDir, config.Platforms[i].Profile)
	}

	if len(config.Platforms) == 0 {
		return Config{}, fmt.Errorf("%s: no platforms configured", path)
	}
	return config, nil
}
