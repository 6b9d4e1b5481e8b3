// Package config loads wolfpack configuration.
//
// Files are CUE (or plain JSON, which is valid CUE). A file is unified with
// the embedded #Config schema, which supplies defaults and rejects unknown
// fields and out-of-range values. Durations are strings such as "15s".
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/wolfpack/internal/engine"
	"github.com/roach88/wolfpack/internal/retry"
)

//go:embed schema.cue
var schemaSource string

// Config is the full configuration.
type Config struct {
	Server Server `json:"server"`
	Engine Engine `json:"engine"`
	Retry  Retry  `json:"retry"`
	Log    Log    `json:"log"`
}

// Server configures the serve command.
type Server struct {
	Addr      string   `json:"addr"`
	Backend   string   `json:"backend"`
	Database  string   `json:"database"`
	Push      string   `json:"push"`
	Heartbeat Duration `json:"heartbeat"`
	Origins   []string `json:"origins"`
}

// Engine holds the client engine tunables.
type Engine struct {
	PollInterval     Duration `json:"poll_interval"`
	DegradedInterval Duration `json:"degraded_interval"`
	FetchTimeout     Duration `json:"fetch_timeout"`
	Heartbeat        Duration `json:"heartbeat"`
	OverlayTTL       Duration `json:"overlay_ttl"`
	ExpiryInterval   Duration `json:"expiry_interval"`
	PageSize         int      `json:"page_size"`
	MaxPages         int      `json:"max_pages"`
}

// Retry is the mutation submission backoff.
type Retry struct {
	BaseDelay      Duration `json:"base_delay"`
	Multiplier     float64  `json:"multiplier"`
	MaxDelay       Duration `json:"max_delay"`
	MaxAttempts    int      `json:"max_attempts"`
	AttemptTimeout Duration `json:"attempt_timeout"`
}

// Log configures the log handler.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration is a time.Duration written as a string.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Error is a configuration error with the position it was found at.
type Error struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := Parse(nil, "defaults")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates data against the schema. filename is used in errors.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError(filename, err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))
	if len(data) > 0 {
		file := ctx.CompileBytes(data, cue.Filename(filename))
		if err := file.Err(); err != nil {
			return nil, cueError(filename, err)
		}
		v = v.Unify(file)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(filename, err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, cueError(filename, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{File: filename, Message: err.Error()}
	}
	if err := cfg.validate(); err != nil {
		return nil, &Error{File: filename, Message: err.Error()}
	}
	return &cfg, nil
}

// validate checks rules that span fields.
func (c *Config) validate() error {
	if c.Server.Push == "pgnotify" && c.Server.Backend != "postgres" {
		return fmt.Errorf("server.push %q requires server.backend \"postgres\", got %q", c.Server.Push, c.Server.Backend)
	}
	if c.Server.Push == "hub" && c.Server.Backend == "postgres" {
		return fmt.Errorf("server.push \"hub\" needs commit hooks, which backend \"postgres\" does not have; use \"pgnotify\"")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay %s is shorter than retry.base_delay %s", c.Retry.MaxDelay.Std(), c.Retry.BaseDelay.Std())
	}
	return nil
}

// cueError reports the first CUE error with its position.
func cueError(filename string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{File: filename, Message: err.Error()}
	}
	first := errs[0]
	out := &Error{File: filename, Message: strings.TrimSpace(first.Error())}
	if pos := cueerrors.Positions(first); len(pos) > 0 && pos[0].IsValid() && pos[0].Filename() == filename {
		out.Line = pos[0].Line()
		out.Column = pos[0].Column()
	}
	return out
}

// RetryPolicy returns the mutation submission policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:      c.Retry.BaseDelay.Std(),
		Multiplier:     c.Retry.Multiplier,
		MaxDelay:       c.Retry.MaxDelay.Std(),
		MaxAttempts:    c.Retry.MaxAttempts,
		AttemptTimeout: c.Retry.AttemptTimeout.Std(),
	}
}

// EngineOptions translates the engine section into engine options.
func (c *Config) EngineOptions() []engine.Option {
	e := c.Engine
	return []engine.Option{
		engine.WithRetryPolicy(c.RetryPolicy()),
		engine.WithPollInterval(e.PollInterval.Std()),
		engine.WithDegradedInterval(e.DegradedInterval.Std()),
		engine.WithFetchTimeout(e.FetchTimeout.Std()),
		engine.WithHeartbeat(e.Heartbeat.Std()),
		engine.WithOverlayTTL(e.OverlayTTL.Std()),
		engine.WithExpiryInterval(e.ExpiryInterval.Std()),
		engine.WithPageSize(e.PageSize),
		engine.WithMaxPages(e.MaxPages),
	}
}

// SlogLevel returns the configured log level.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
