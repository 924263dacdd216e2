// teamtrace-sync runs a single channel sync from the command line and prints
// the resulting report as JSON. Intended for cron jobs and operator one-offs;
// the server binary owns scheduled and event-triggered syncs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
	"github.com/teamtrace/teamtrace/internal/syncer"
)

func main() {
	var (
		workspaceID    = flag.Int64("workspace", 0, "local workspace id (required)")
		channelID      = flag.Int64("channel", 0, "local channel id; omit with -catalog")
		catalog        = flag.Bool("catalog", false, "sync the channel and user catalogs instead of messages")
		startDate      = flag.String("start", "", "oldest message to fetch (RFC 3339)")
		endDate        = flag.String("end", "", "newest message to fetch (RFC 3339)")
		includeReplies = flag.Bool("replies", false, "expand thread replies")
		syncThreads    = flag.Bool("threads", false, "re-scan recent threads for missing replies")
		threadDays     = flag.Int("thread-days", 0, "thread re-scan window in days (0 = default)")
		batchSize      = flag.Int("batch", 0, "history page size (0 = default)")
		timeout        = flag.Duration("timeout", 30*time.Minute, "overall sync timeout")
	)
	flag.Parse()

	if *workspaceID <= 0 {
		log.Fatal("-workspace is required")
	}
	if !*catalog && *channelID <= 0 {
		log.Fatal("-channel is required unless -catalog is set")
	}

	st, err := store.BuildFromDSN(storeDSN())
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer st.Close()

	credentials, err := buildCredentialsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize credentials: %v", err)
	}

	client := slackapi.NewClient(os.Getenv("TEAMTRACE_SLACK_BASE_URL"), nil)
	sy, err := syncer.New(st, client, credentials, log.Default(), syncer.Options{})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var result any
	if *catalog {
		result, err = sy.SyncCatalog(ctx, *workspaceID)
	} else {
		result, err = sy.SyncChannelMessages(ctx, syncer.SyncParams{
			WorkspaceID:    *workspaceID,
			ChannelID:      *channelID,
			StartDate:      parseDateFlag(*startDate, "start"),
			EndDate:        parseDateFlag(*endDate, "end"),
			IncludeReplies: *includeReplies,
			SyncThreads:    *syncThreads,
			ThreadDays:     *threadDays,
			BatchSize:      *batchSize,
		})
	}
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		log.Fatalf("failed to encode report: %v", err)
	}
}

func storeDSN() string {
	dsn := strings.TrimSpace(os.Getenv("TEAMTRACE_STORE_DSN"))
	if dsn == "" {
		log.Fatal("TEAMTRACE_STORE_DSN is required")
	}
	return dsn
}

func buildCredentialsFromEnv() (creds.Provider, error) {
	if path := strings.TrimSpace(os.Getenv("TEAMTRACE_CREDENTIALS_FILE")); path != "" {
		return creds.NewFileProvider(path, log.Default())
	}
	if token := strings.TrimSpace(os.Getenv("TEAMTRACE_SLACK_TOKEN")); token != "" {
		return &creds.StaticProvider{Tokens: map[string]string{"*": token}}, nil
	}
	return nil, fmt.Errorf("TEAMTRACE_CREDENTIALS_FILE or TEAMTRACE_SLACK_TOKEN is required")
}

func parseDateFlag(raw, name string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Fatalf("invalid -%s %q: %v", name, raw, err)
	}
	return &t
}
