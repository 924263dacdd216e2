package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/httpapi"
	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
	"github.com/teamtrace/teamtrace/internal/syncer"
)

func main() {
	addr := os.Getenv("TEAMTRACE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	st, err := store.BuildFromDSN(storeDSN())
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer st.Close()

	credentials, watchCreds, err := buildCredentialsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize credentials: %v", err)
	}

	client := slackapi.NewClient(os.Getenv("TEAMTRACE_SLACK_BASE_URL"), nil)
	sy, err := syncer.New(st, client, credentials, log.Default(), syncer.Options{
		ErrorCeiling:      intEnv("TEAMTRACE_ERROR_CEILING", 0),
		ThreadPageLimit:   intEnv("TEAMTRACE_THREAD_PAGE_LIMIT", 0),
		MaxThreadPages:    intEnv("TEAMTRACE_MAX_THREAD_PAGES", 0),
		DefaultBatchSize:  intEnv("TEAMTRACE_BATCH_SIZE", 0),
		DefaultThreadDays: intEnv("TEAMTRACE_THREAD_DAYS", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}
	scheduler := syncer.NewScheduler(sy, log.Default())
	defer scheduler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchCreds != nil {
		go func() {
			if err := watchCreds(ctx); err != nil && ctx.Err() == nil {
				log.Printf("credentials watcher stopped: %v", err)
			}
		}()
	}
	if socketURL := strings.TrimSpace(os.Getenv("TEAMTRACE_SOCKET_URL")); socketURL != "" {
		listener, err := slackapi.NewSocketListener(socketURL, socketTrigger(ctx, st, scheduler), log.Default())
		if err != nil {
			log.Fatalf("failed to initialize socket listener: %v", err)
		}
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("socket listener stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServer(st, sy, scheduler, httpapi.ServerConfig{
			APIToken:       os.Getenv("TEAMTRACE_API_TOKEN"),
			MaxBodyBytes:   int64Env("TEAMTRACE_MAX_BODY_BYTES", 0),
			CatalogTimeout: durationEnv("TEAMTRACE_CATALOG_TIMEOUT", 0),
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("teamtrace listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func storeDSN() string {
	dsn := strings.TrimSpace(os.Getenv("TEAMTRACE_STORE_DSN"))
	if dsn == "" {
		dsn = "memory://"
	}
	return dsn
}

// buildCredentialsFromEnv prefers the hot-reloading credentials file; a bare
// token covers single-workspace runs where the file is overkill.
func buildCredentialsFromEnv() (creds.Provider, func(context.Context) error, error) {
	if path := strings.TrimSpace(os.Getenv("TEAMTRACE_CREDENTIALS_FILE")); path != "" {
		provider, err := creds.NewFileProvider(path, log.Default())
		if err != nil {
			return nil, nil, err
		}
		return provider, provider.Watch, nil
	}
	tokens := map[string]string{}
	if token := strings.TrimSpace(os.Getenv("TEAMTRACE_SLACK_TOKEN")); token != "" {
		tokens["*"] = token
	}
	return &creds.StaticProvider{Tokens: tokens}, nil, nil
}

// socketTrigger maps a provider message event onto a local channel and kicks a
// bounded incremental sync. An event for an unknown workspace or channel is
// dropped; the catalog sync is the path that introduces new channels.
func socketTrigger(ctx context.Context, st store.Store, scheduler *syncer.Scheduler) func(slackapi.MessageEvent) {
	return func(ev slackapi.MessageEvent) {
		ws, err := st.GetWorkspaceByProviderID(ctx, ev.TeamID)
		if err != nil {
			return
		}
		ch, err := st.GetChannelByProviderID(ctx, ws.ID, ev.ChannelID)
		if err != nil {
			return
		}
		_, err = scheduler.Launch(syncer.SyncParams{
			WorkspaceID: ws.ID,
			ChannelID:   ch.ID,
			SyncThreads: ev.ThreadTS != "",
		})
		if err != nil && err != syncer.ErrSyncInFlight {
			log.Printf("event-triggered sync for channel %s failed to launch: %v", ev.ChannelID, err)
		}
	}
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
