package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	donneur "github.com/donneur/donneur-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := configHome
	configHome = dir
	t.Cleanup(func() { configHome = prev })
	return dir
}

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.redis_url", "redis://localhost:6379/0"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
	assert.Equal(t, "redis://localhost:6379/0", cfg.Default.RedisURL)
	assert.Equal(t, "u1", cfg.Auth.UserID)

	assert.Error(t, setConfigValue(cfg, "redis_url", "x"))
	assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "other.token", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	dir := useTempHome(t)

	cfg, err := readConfigFile()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Auth.Token = "tok"
	cfg.Default.BaseURL = "http://localhost:8000"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := readConfigFile()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *got)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DONNEUR_REDIS_URL": "redis://cache:6379/1",
		"DONNEUR_TOKEN":     "from-env",
		"DONNEUR_ROLE":      "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{Auth: ConfigAuth{Token: "from-file", Role: "receiver"}}
	applyEnv(cfg, lookup)

	assert.Equal(t, "redis://cache:6379/1", cfg.Default.RedisURL)
	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, "receiver", cfg.Auth.Role, "empty variables do not override")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DONNEUR_BASE_URL", envName("default.base_url"))
	assert.Equal(t, "DONNEUR_USER_ID", envName("auth.user_id"))
}

func TestTokenState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
		require.NoError(t, err)
		return tok
	}

	cfg := &Config{Auth: ConfigAuth{UserID: "u1", Token: sign(now.Add(time.Hour))}}
	assert.Contains(t, tokenState(cfg, now), "valid")

	cfg.Auth.Token = sign(now.Add(-time.Hour))
	assert.Contains(t, tokenState(cfg, now), "EXPIRED")

	cfg.Auth.Token = "opaque"
	assert.Equal(t, "present (no expiry)", tokenState(cfg, now))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdefgh...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestSeedFeed(t *testing.T) {
	store := donneur.NewMemoryStore()
	ctx := context.Background()

	posts, comments, err := seedFeed(ctx, store, 3, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, posts)

	docs, err := store.Query(ctx, donneur.PostsCollection, donneur.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 4)

	var total int64
	for _, d := range docs {
		n, _ := d.Fields[donneur.FieldCommentCount].(int64)
		total += n
	}
	assert.Equal(t, int64(comments), total)
}

func TestDescribeConfig(t *testing.T) {
	file := &Config{
		Default: ConfigDefault{RedisURL: "redis://file:6379/0", RealtimeURL: "https://rt.example.org"},
		Auth:    ConfigAuth{Token: "abcdefgh-secret-wxyz", UserID: "u1"},
	}
	env := map[string]string{"DONNEUR_REDIS_URL": "redis://env:6379/1", "DONNEUR_ROLE": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	got := map[string]configEntry{}
	for _, e := range describeConfig(file, lookup) {
		got[e.Key] = e
	}
	require.Len(t, got, len(configKeys))

	assert.Equal(t, configEntry{Key: "default.redis_url", Value: "redis://env:6379/1", Source: "env DONNEUR_REDIS_URL"}, got["default.redis_url"])
	assert.Equal(t, "file", got["default.realtime_url"].Source)
	assert.Equal(t, configEntry{Key: "default.base_url", Value: donneur.DefaultBaseURL, Source: "default"}, got["default.base_url"])
	assert.Equal(t, "warn", got["default.log_level"].Value)
	assert.Equal(t, configEntry{Key: "auth.role", Source: "unset"}, got["auth.role"], "empty variables do not override")
	assert.Equal(t, maskKey("abcdefgh-secret-wxyz"), got["auth.token"].Value)
	assert.NotContains(t, got["auth.token"].Value, "secret")
}
