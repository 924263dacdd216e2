package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeCredentials(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
}

func TestFileProviderResolvesTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentials(t, path, `{"workspaces":{
		"T1":{"token":"xoxb-one"},
		"T2":{"token":"xoxb-two","disabled":true},
		"T3":{"token":"  "}
	}}`)

	p, err := NewFileProvider(path, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	token, err := p.Credential(ctx, "T1")
	if err != nil || token != "xoxb-one" {
		t.Fatalf("T1: token=%q err=%v", token, err)
	}
	if _, err := p.Credential(ctx, "T2"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("disabled workspace must be not connected, got %v", err)
	}
	if _, err := p.Credential(ctx, "T3"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("blank token must be not connected, got %v", err)
	}
	if _, err := p.Credential(ctx, "T999"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unknown workspace must be not connected, got %v", err)
	}
}

func TestFileProviderReloadReplacesView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentials(t, path, `{"workspaces":{"T1":{"token":"xoxb-old"}}}`)

	p, err := NewFileProvider(path, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	writeCredentials(t, path, `{"workspaces":{"T2":{"token":"xoxb-new"}}}`)
	if err := p.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Credential(ctx, "T1"); !errors.Is(err, ErrNotConnected) {
		t.Fatal("removed workspace still resolvable after reload")
	}
	token, err := p.Credential(ctx, "T2")
	if err != nil || token != "xoxb-new" {
		t.Fatalf("T2: token=%q err=%v", token, err)
	}
}

func TestFileProviderFailedReloadKeepsPreviousView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentials(t, path, `{"workspaces":{"T1":{"token":"xoxb-one"}}}`)

	p, err := NewFileProvider(path, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	writeCredentials(t, path, `{not json`)
	if err := p.Reload(); err == nil {
		t.Fatal("expected reload failure on malformed file")
	}

	token, err := p.Credential(context.Background(), "T1")
	if err != nil || token != "xoxb-one" {
		t.Fatalf("previous view lost: token=%q err=%v", token, err)
	}
}

func TestNewFileProviderRejectsMissingFile(t *testing.T) {
	if _, err := NewFileProvider(filepath.Join(t.TempDir(), "absent.json"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticProviderWildcard(t *testing.T) {
	p := &StaticProvider{Tokens: map[string]string{"T1": "xoxb-one", "*": "xoxb-any"}}
	ctx := context.Background()

	token, err := p.Credential(ctx, "T1")
	if err != nil || token != "xoxb-one" {
		t.Fatalf("exact match: token=%q err=%v", token, err)
	}
	token, err = p.Credential(ctx, "T777")
	if err != nil || token != "xoxb-any" {
		t.Fatalf("wildcard: token=%q err=%v", token, err)
	}

	empty := &StaticProvider{}
	if _, err := empty.Credential(ctx, "T1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("empty provider: %v", err)
	}
}
