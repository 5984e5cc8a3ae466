package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	donneur "github.com/donneur/donneur-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestTimeout = 10 * time.Second

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger writes to stderr so command output stays pipeable.
func newLogger(cfg *Config) *zap.Logger {
	level := zapcore.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zapcore.ParseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func clientOptions(cfg *Config, logger *zap.Logger) []donneur.ClientOption {
	opts := []donneur.ClientOption{donneur.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, donneur.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a REST client authenticated with the stored token.
func getClient() *donneur.Client {
	cfg := mustConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'donneur init <token>' first.")
		os.Exit(1)
	}
	return donneur.NewClient(cfg.Auth.Token, clientOptions(cfg, newLogger(cfg))...)
}

// env is everything a live screen needs.
type env struct {
	cfg      *Config
	logger   *zap.Logger
	session  *donneur.Session
	store    donneur.Store
	realtime *donneur.RealtimeClient
	rdb      *redis.Client
	// errOut receives failures reported after a command returned control.
	errOut io.Writer
}

func (e *env) Close() {
	e.session.Close()
	if e.realtime != nil {
		_ = e.realtime.Disconnect()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.logger.Sync()
}

// openEnv signs in from the stored account and connects to the document
// store. With default.realtime_url set, changes come from the realtime
// gateway instead of Redis Pub/Sub.
func openEnv(ctx context.Context) (*env, error) {
	cfg := mustConfig()
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no account; run 'donneur login' first")
	}
	if cfg.Default.RedisURL == "" {
		return nil, fmt.Errorf("no document store; set default.redis_url")
	}
	logger := newLogger(cfg)

	session, err := donneur.NewSession(donneur.User{
		ID:          cfg.Auth.UserID,
		DisplayName: cfg.Auth.DisplayName,
		Role:        donneur.Role(cfg.Auth.Role),
	}, cfg.Auth.Token)
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now()) {
		logger.Warn("token_expired", zap.Time("expired_at", session.ExpiresAt()))
	}

	ropts, err := redis.ParseURL(cfg.Default.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	rs := donneur.NewRedisStore(rdb, donneur.WithRedisLogger(logger))

	e := &env{cfg: cfg, logger: logger, session: session, store: rs, rdb: rdb, errOut: os.Stderr}
	if cfg.Default.RealtimeURL != "" {
		rt := donneur.NewRealtimeClient(cfg.Default.RealtimeURL, donneur.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        logger,
		})
		if err := rt.Connect(ctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("realtime connect: %w", err)
		}
		e.realtime = rt
		e.store = donneur.Combine(rs, rt)
	}
	return e, nil
}

func screenOptions(e *env) []donneur.Option {
	return []donneur.Option{
		donneur.WithLogger(e.logger),
		donneur.WithErrorHandler(func(err error) {
			fmt.Fprintf(e.errOut, "background error: %v\n", err)
		}),
	}
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func pendingMark(id string) string {
	if donneur.IsTempID(id) {
		return "*"
	}
	return " "
}
