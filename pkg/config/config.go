// Package config loads runtime settings for duplex programs.
//
// Settings come from four layers, each overriding the one before:
//
//  1. Defaults()
//  2. a YAML file (WithFile)
//  3. a .env file (WithEnvFile)
//  4. the process environment, using DUPLEX_* variables
//
// The result is validated before Load returns it.
//
//	s, err := config.Load(config.WithFile("duplex.yaml"), config.WithEnvFile(".env"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	d := duplex.New(sink, source, s.DuplexConfig(ctx))
package config

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/calque-ai/go-duplex/pkg/duplex"
	"github.com/calque-ai/go-duplex/pkg/logger"
	"github.com/calque-ai/go-duplex/pkg/observability"
	"github.com/calque-ai/go-duplex/pkg/sides"
	"github.com/calque-ai/go-duplex/pkg/spool"
)

// Settings holds every tunable of a duplex program.
type Settings struct {
	// HighWaterMark and MaxBuffered feed duplex.Config.
	HighWaterMark int `yaml:"high_water_mark" validate:"gte=0"`
	MaxBuffered   int `yaml:"max_buffered" validate:"gte=0"`

	// ChunkSize and SideHighWaterMark feed sides.Params.
	ChunkSize         int `yaml:"chunk_size" validate:"gte=1,lte=16777216"`
	SideHighWaterMark int `yaml:"side_high_water_mark" validate:"gte=1"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
	Spool   SpoolSettings   `yaml:"spool"`
}

type MetricsSettings struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Namespace string `yaml:"namespace" validate:"required"`
}

type TracingSettings struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name" validate:"required_if=Enabled true"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	UseHTTP     bool    `yaml:"use_http"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

type SpoolSettings struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
	Prefix   string `yaml:"prefix"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		HighWaterMark:     0,
		MaxBuffered:       duplex.Unbounded,
		ChunkSize:         sides.DefaultChunkSize,
		SideHighWaterMark: sides.DefaultHighWaterMark,
		LogLevel:          "info",
		LogFormat:         "json",
		ShutdownTimeout:   10 * time.Second,
		Metrics: MetricsSettings{
			Addr:      ":9090",
			Namespace: "duplex",
		},
		Tracing: TracingSettings{
			Endpoint:   "localhost:4317",
			SampleRate: 1,
		},
		Spool: SpoolSettings{
			InMemory: true,
			Prefix:   spool.DefaultPrefix,
		},
	}
}

// Option configures Load.
type Option func(*loader)

type loader struct {
	file    string
	envFile string
	lookup  LookupFunc
}

// WithFile reads a YAML file. Unknown keys are rejected.
func WithFile(path string) Option {
	return func(l *loader) { l.file = path }
}

// WithEnvFile reads a .env file. Variables already set in the environment
// take precedence over the file. A missing file is not an error.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn LookupFunc) Option {
	return func(l *loader) { l.lookup = fn }
}

// Load builds Settings from the configured layers and validates them.
func Load(opts ...Option) (Settings, error) {
	l := loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&l)
	}
	ctx := context.Background()

	s := Defaults()
	if l.file != "" {
		data, err := os.ReadFile(l.file)
		if err != nil {
			return Settings{}, duplex.WrapErr(ctx, err, "read config file")
		}
		if err := yaml.UnmarshalWithOptions(data, &s, yaml.DisallowUnknownField()); err != nil {
			return Settings{}, duplex.WrapErr(ctx, err, "parse config file "+l.file)
		}
	}

	lookup := l.lookup
	if l.envFile != "" {
		values, err := godotenv.Read(l.envFile)
		switch {
		case err == nil:
			lookup = overlay(lookup, values)
		case errors.Is(err, os.ErrNotExist):
			duplex.LogDebug(ctx, "env file not found", "path", l.envFile)
		default:
			return Settings{}, duplex.WrapErr(ctx, err, "read env file")
		}
	}

	if err := s.applyEnv(lookup); err != nil {
		return Settings{}, duplex.WrapErr(ctx, err, "environment")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, duplex.WrapErr(ctx, err, "invalid configuration")
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup LookupFunc) error {
	r := newEnvReader(lookup)
	r.Int("DUPLEX_HIGH_WATER_MARK", &s.HighWaterMark)
	r.Int("DUPLEX_MAX_BUFFERED", &s.MaxBuffered)
	r.Int("DUPLEX_CHUNK_SIZE", &s.ChunkSize)
	r.Int("DUPLEX_SIDE_HIGH_WATER_MARK", &s.SideHighWaterMark)
	r.String("DUPLEX_LOG_LEVEL", &s.LogLevel)
	r.String("DUPLEX_LOG_FORMAT", &s.LogFormat)
	r.Duration("DUPLEX_SHUTDOWN_TIMEOUT", &s.ShutdownTimeout)

	r.Bool("DUPLEX_METRICS_ENABLED", &s.Metrics.Enabled)
	r.String("DUPLEX_METRICS_ADDR", &s.Metrics.Addr)
	r.String("DUPLEX_METRICS_NAMESPACE", &s.Metrics.Namespace)

	r.Bool("DUPLEX_TRACING_ENABLED", &s.Tracing.Enabled)
	r.String("DUPLEX_SERVICE_NAME", &s.Tracing.ServiceName)
	r.String("DUPLEX_OTLP_ENDPOINT", &s.Tracing.Endpoint)
	r.Bool("DUPLEX_OTLP_HTTP", &s.Tracing.UseHTTP)
	r.Float("DUPLEX_OTLP_SAMPLE_RATE", &s.Tracing.SampleRate)

	r.String("DUPLEX_SPOOL_PATH", &s.Spool.Path)
	r.Bool("DUPLEX_SPOOL_IN_MEMORY", &s.Spool.InMemory)
	r.String("DUPLEX_SPOOL_PREFIX", &s.Spool.Prefix)
	return errors.Join(r.errs...)
}

// DuplexConfig returns the duplex.Config for these settings. ctx supplies
// the logger and ids.
func (s Settings) DuplexConfig(ctx context.Context) duplex.Config {
	return duplex.Config{
		Context:       ctx,
		HighWaterMark: s.HighWaterMark,
		MaxBuffered:   s.MaxBuffered,
	}
}

// SideParams returns sides.Params for these settings.
func (s Settings) SideParams(ctx context.Context) sides.Params {
	return sides.Params{
		Context:       ctx,
		ChunkSize:     s.ChunkSize,
		HighWaterMark: s.SideHighWaterMark,
	}
}

// SpoolOptions returns spool.Options for these settings.
func (s Settings) SpoolOptions(ctx context.Context) spool.Options {
	return spool.Options{
		Path:     s.Spool.Path,
		InMemory: s.Spool.InMemory,
		Prefix:   s.Spool.Prefix,
		Params:   s.SideParams(ctx),
	}
}

// Level returns LogLevel as a logger.LogLevel.
func (s Settings) Level() logger.LogLevel {
	return logger.ParseLevel(s.LogLevel)
}

// Tracer returns an OTLP tracer provider when tracing is enabled and a
// no-op provider otherwise.
func (s Settings) Tracer(ctx context.Context) (observability.TracerProvider, error) {
	if !s.Tracing.Enabled {
		return observability.NoopTracerProvider{}, nil
	}
	cfg := observability.DefaultOTLPConfig(s.Tracing.ServiceName, s.Tracing.Endpoint)
	cfg.UseHTTP = s.Tracing.UseHTTP
	cfg.SampleRate = s.Tracing.SampleRate
	tp, err := observability.NewOTLPTracerProviderFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return tp, nil
}
