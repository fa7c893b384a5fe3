package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/config"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
)

func signedToken(t *testing.T, uid string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestNewCredentials(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("Anonymous", func(t *testing.T) {
		creds, err := newCredentials(ctx, config.AuthConfig{}, logger)
		require.NoError(t, err)
		assert.IsType(t, &auth.EmptyCredentialsProvider{}, creds)
	})

	t.Run("TokenFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(path, []byte(signedToken(t, "ada")+"\n"), 0600))

		creds, err := newCredentials(ctx, config.AuthConfig{TokenFile: path}, logger)
		require.NoError(t, err)
		var user auth.User
		creds.SetChangeListener(func(u auth.User) { user = u })
		assert.Equal(t, auth.User{UID: "ada"}, user)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		_, err := newCredentials(ctx, config.AuthConfig{Token: "garbage"}, logger)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := newCredentials(ctx, config.AuthConfig{TokenFile: filepath.Join(t.TempDir(), "none")}, logger)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestNewDurableStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	store, err := newDurableStore(ctx, config.PersistenceConfig{Backend: config.PersistenceMemory}, logger)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg := config.DefaultPersistenceConfig()
	cfg.Backend = config.PersistencePebble
	cfg.Pebble.Path = filepath.Join(t.TempDir(), "cache")
	store, err = newDurableStore(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())

	_, err = newDurableStore(ctx, config.PersistenceConfig{Backend: "sqlite"}, logger)
	assert.Error(t, err)
}

func TestNewConnection(t *testing.T) {
	cfg := config.DefaultTransportConfig()
	conn, closer, err := newConnection(cfg, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Nil(t, closer)

	cfg.Endpoint = "ftp://example.com"
	_, _, err = newConnection(cfg, slog.Default())
	assert.Error(t, err)

	cfg.Kind = "carrier-pigeon"
	_, _, err = newConnection(cfg, slog.Default())
	assert.Error(t, err)
}

func TestRemoteConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Client.WritePipelineSize = 3
	cfg.Client.Backoff.Initial = 2 * time.Second
	cfg.Client.HeartbeatInterval = 5 * time.Second
	cfg.Transport.Project = "acme"
	cfg.Transport.Database = "main"

	rc := remoteConfig(cfg)
	assert.Equal(t, 3, rc.WritePipelineSize)
	assert.Equal(t, 2*time.Second, rc.Stream.Backoff.Initial)
	assert.Equal(t, 5*time.Second, rc.Stream.HeartbeatInterval)
	assert.Equal(t, remote.DatabaseID{Project: "acme", Database: "main"}, rc.Database)
	assert.Equal(t, remote.DefaultConfig().NetworkRecoveryDelay, rc.NetworkRecoveryDelay)
}

func TestServeMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, "127.0.0.1:0", slog.Default()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
