package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/teamtrace/teamtrace/internal/creds"
	"github.com/teamtrace/teamtrace/internal/slackapi"
	"github.com/teamtrace/teamtrace/internal/store"
	"github.com/teamtrace/teamtrace/internal/syncer"
)

// stubClient answers every provider call with empty pages. The release
// channel, when set, parks history calls so a sync stays running.
type stubClient struct {
	release chan struct{}
}

func (c *stubClient) ChannelHistory(ctx context.Context, _ string, _ slackapi.HistoryRequest) (slackapi.HistoryPage, error) {
	if c.release != nil {
		select {
		case <-ctx.Done():
			return slackapi.HistoryPage{}, ctx.Err()
		case <-c.release:
		}
	}
	return slackapi.HistoryPage{}, nil
}

func (c *stubClient) ThreadReplies(context.Context, string, slackapi.RepliesRequest) (slackapi.HistoryPage, error) {
	return slackapi.HistoryPage{}, nil
}

func (c *stubClient) ListChannels(context.Context, string, string, int) (slackapi.ChannelPage, error) {
	return slackapi.ChannelPage{Channels: []slackapi.Channel{{ID: "C1", Name: "general", IsChannel: true}}}, nil
}

func (c *stubClient) ListUsers(context.Context, string, string, int) (slackapi.UserPage, error) {
	return slackapi.UserPage{}, nil
}

func (c *stubClient) UserInfo(context.Context, string, string) (*slackapi.User, error) {
	return nil, &slackapi.APIError{Code: "user_not_found"}
}

func newTestServer(t *testing.T, client syncer.SourceClient, token string) (*Server, store.Store, *store.Workspace, *store.Channel) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	ws := &store.Workspace{ProviderID: "T1", Name: "acme"}
	if err := st.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("upsert workspace: %v", err)
	}
	ch := &store.Channel{WorkspaceID: ws.ID, ProviderID: "C1", Name: "general", Type: store.ChannelPublic}
	if err := st.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	sy, err := syncer.New(st, client, &creds.StaticProvider{Tokens: map[string]string{"T1": "tok"}}, nil, syncer.Options{})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	sched := syncer.NewScheduler(sy, nil)
	t.Cleanup(sched.Close)
	return NewServer(st, sy, sched, ServerConfig{APIToken: token}), st, ws, ch
}

func doRequest(server http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	server, _, _, _ := newTestServer(t, &stubClient{}, "secret")
	rec := doRequest(server, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	server, _, _, _ := newTestServer(t, &stubClient{}, "secret")

	rec := doRequest(server, http.MethodGet, "/v1/sync/tasks", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}
	rec = doRequest(server, http.MethodGet, "/v1/sync/tasks", "wrong", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
	rec = doRequest(server, http.MethodGet, "/v1/sync/tasks", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token = %d, want 200", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _, _, _ := newTestServer(t, &stubClient{}, "")
	rec := doRequest(server, http.MethodGet, "/v1/nothing/here", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body not json: %v", err)
	}
	if payload["code"] != "not_found" || payload["correlationId"] == "" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestChannelSyncRejectsInvalidBody(t *testing.T) {
	server, _, _, _ := newTestServer(t, &stubClient{}, "")
	base := "/v1/workspaces/1/channels/1/sync"

	for _, body := range []string{
		`{"bogus": true}`,
		`{"batchSize": 0}`,
		`{"threadDays": -1}`,
		`{"includeReplies": "yes"}`,
		`not json`,
	} {
		rec := doRequest(server, http.MethodPost, base, "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q = %d, want 400", body, rec.Code)
		}
	}
}

func TestChannelSyncLaunchAndStatus(t *testing.T) {
	client := &stubClient{}
	server, _, _, _ := newTestServer(t, client, "")

	rec := doRequest(server, http.MethodPost, "/v1/workspaces/1/channels/2/sync", "", `{"syncThreads": true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("launch = %d body=%s, want 202", rec.Code, rec.Body.String())
	}
	var snapshot syncer.TaskSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ID == "" || snapshot.Status != syncer.TaskRunning {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doRequest(server, http.MethodGet, "/v1/sync/tasks/"+snapshot.ID, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("task lookup = %d", rec.Code)
		}
		var got syncer.TaskSnapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Status == syncer.TaskSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doRequest(server, http.MethodGet, "/v1/sync/tasks/does-not-exist", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task = %d, want 404", rec.Code)
	}
}

func TestChannelSyncConflictWhileRunning(t *testing.T) {
	client := &stubClient{release: make(chan struct{})}
	server, _, _, _ := newTestServer(t, client, "")
	defer close(client.release)

	rec := doRequest(server, http.MethodPost, "/v1/workspaces/1/channels/2/sync", "", `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first launch = %d, want 202", rec.Code)
	}
	rec = doRequest(server, http.MethodPost, "/v1/workspaces/1/channels/2/sync", "", `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second launch = %d, want 409", rec.Code)
	}
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["code"] != "sync_in_flight" {
		t.Fatalf("unexpected conflict payload: %v", payload)
	}
}

func TestTaskCancelEndpoint(t *testing.T) {
	client := &stubClient{release: make(chan struct{})}
	server, _, _, _ := newTestServer(t, client, "")
	defer close(client.release)

	rec := doRequest(server, http.MethodPost, "/v1/workspaces/1/channels/2/sync", "", `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("launch = %d", rec.Code)
	}
	var snapshot syncer.TaskSnapshot
	_ = json.Unmarshal(rec.Body.Bytes(), &snapshot)

	rec = doRequest(server, http.MethodPost, "/v1/sync/tasks/"+snapshot.ID+"/cancel", "", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d, want 202", rec.Code)
	}
	rec = doRequest(server, http.MethodPost, "/v1/sync/tasks/nope/cancel", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d, want 404", rec.Code)
	}
}

func TestRepairEndpoints(t *testing.T) {
	server, st, ws, ch := newTestServer(t, &stubClient{}, "")
	ctx := context.Background()

	rec := doRequest(server, http.MethodPost, "/v1/workspaces/999/repairs/thread-flags/run", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workspace repair = %d, want 404", rec.Code)
	}

	m := &store.Message{ChannelID: ch.ID, SlackTS: "1700000000.000100", ReplyCount: 2}
	if _, err := st.InsertMessage(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec = doRequest(server, http.MethodPost, "/v1/workspaces/1/repairs/thread-flags/run", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repair = %d body=%s", rec.Code, rec.Body.String())
	}
	var result map[string]int64
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result["repaired"] != 1 {
		t.Fatalf("repaired = %d, want 1", result["repaired"])
	}

	if err := st.UpsertUser(ctx, &store.User{WorkspaceID: ws.ID, ProviderID: "UAA111", Name: "ada"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	orphan := &store.Message{ChannelID: ch.ID, SlackTS: "1700000001.000100", Text: "<@UAA111> hi"}
	if _, err := st.InsertMessage(ctx, orphan); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec = doRequest(server, http.MethodPost, "/v1/workspaces/1/repairs/user-references/run?channelId="+itoa(ch.ID), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("user repair = %d body=%s", rec.Code, rec.Body.String())
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result["linked"] != 1 {
		t.Fatalf("linked = %d, want 1", result["linked"])
	}

	rec = doRequest(server, http.MethodPost, "/v1/workspaces/1/repairs/user-references/run?channelId=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad channelId = %d, want 400", rec.Code)
	}
}

func TestListChannelsFiltersArchived(t *testing.T) {
	server, st, ws, _ := newTestServer(t, &stubClient{}, "")
	ctx := context.Background()
	archived := &store.Channel{WorkspaceID: ws.ID, ProviderID: "CDEAD", Name: "old", IsArchived: true}
	if err := st.UpsertChannel(ctx, archived); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := doRequest(server, http.MethodGet, "/v1/workspaces/1/channels", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var payload struct {
		Channels []store.Channel `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Channels) != 1 || payload.Channels[0].ProviderID != "C1" {
		t.Fatalf("archived channel not filtered: %+v", payload.Channels)
	}

	rec = doRequest(server, http.MethodGet, "/v1/workspaces/1/channels?includeArchived=true", "", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Channels) != 2 {
		t.Fatalf("includeArchived returned %d channels, want 2", len(payload.Channels))
	}
}

func TestCatalogSyncEndpoint(t *testing.T) {
	server, st, ws, _ := newTestServer(t, &stubClient{}, "")

	rec := doRequest(server, http.MethodPost, "/v1/workspaces/1/catalog/sync", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("catalog = %d body=%s", rec.Code, rec.Body.String())
	}
	var report syncer.CatalogReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Channels != 1 {
		t.Fatalf("channels = %d, want 1", report.Channels)
	}
	if _, err := st.GetChannelByProviderID(context.Background(), ws.ID, "C1"); err != nil {
		t.Fatalf("channel not upserted: %v", err)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
