package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/taskrelay/internal/httpapi"
	"github.com/agentworkforce/taskrelay/internal/reconcile"
	"github.com/agentworkforce/taskrelay/internal/remote"
	"github.com/agentworkforce/taskrelay/internal/taskstore"
	"github.com/agentworkforce/taskrelay/internal/trigger"
)

func main() {
	addr := os.Getenv("TASKRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	tokens, ready, err := buildTokenSourceFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize credential source: %v", err)
	}

	client := remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL:     os.Getenv("TASKRELAY_REMOTE_BASE_URL"),
		TokenSource: tokens,
		MaxRetries:  intEnv("TASKRELAY_REMOTE_MAX_RETRIES", 0),
		BaseDelay:   durationEnv("TASKRELAY_REMOTE_RETRY_BASE_DELAY", 0),
		MaxDelay:    durationEnv("TASKRELAY_REMOTE_RETRY_MAX_DELAY", 0),
	})

	reconciler, err := reconcile.New(reconcile.Options{
		Store:      store,
		Client:     client,
		Credential: tokens,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}

	broadcaster := trigger.NewBroadcaster(trigger.Options{
		Reconciler: reconciler,
		Logger:     log.Default(),
		Enabled:    ready,
	})

	server, err := httpapi.NewServer(store, reconciler, broadcaster, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("TASKRELAY_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("taskrelay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (taskstore.Store, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TASKRELAY_BACKEND_PROFILE")))
	dsn := strings.TrimSpace(os.Getenv("TASKRELAY_POSTGRES_DSN"))
	switch profile {
	case "", "custom":
		if dsn != "" {
			return taskstore.NewPostgresStore(dsn)
		}
		return taskstore.NewMemoryStore(), nil
	case "memory", "inmemory":
		return taskstore.NewMemoryStore(), nil
	case "production", "prod":
		if dsn == "" {
			return nil, fmt.Errorf("TASKRELAY_POSTGRES_DSN is required when TASKRELAY_BACKEND_PROFILE=%s", profile)
		}
		return taskstore.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported TASKRELAY_BACKEND_PROFILE: %s", profile)
	}
}

// buildTokenSourceFromEnv prefers an inline token, then a watched credential
// file. With neither configured, sync stays disabled until a credential file
// path is provided, so the returned enabled gate reports false.
func buildTokenSourceFromEnv() (remote.TokenSource, func() bool, error) {
	if token := strings.TrimSpace(os.Getenv("TASKRELAY_REMOTE_TOKEN")); token != "" {
		source := remote.StaticTokenSource(token)
		return source, func() bool { return true }, nil
	}
	if path := strings.TrimSpace(os.Getenv("TASKRELAY_CREDENTIAL_FILE")); path != "" {
		source, err := remote.NewFileTokenSource(path)
		if err != nil {
			return nil, nil, err
		}
		return source, source.Ready, nil
	}
	source := remote.StaticTokenSource("")
	return source, func() bool { return false }, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
