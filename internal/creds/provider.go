// Package creds resolves workspace credentials for the sync engine. The
// file-backed provider watches its source for edits so token rotation and
// workspace disconnects take effect without a restart.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrNotConnected = errors.New("workspace not connected")

// Provider yields a bearer credential for a provider-side workspace id, or
// ErrNotConnected when the workspace has no usable credential.
type Provider interface {
	Credential(ctx context.Context, workspaceProviderID string) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type credentialsFile struct {
	Workspaces map[string]workspaceCredential `json:"workspaces"`
}

type workspaceCredential struct {
	Token    string `json:"token"`
	Disabled bool   `json:"disabled,omitempty"`
}

// FileProvider reads a JSON credentials file mapping workspace provider ids
// to bearer tokens. Watch keeps the in-memory view current.
type FileProvider struct {
	path   string
	logger Logger

	mu     sync.RWMutex
	tokens map[string]string
}

func NewFileProvider(path string, logger Logger) (*FileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credentials file path is required")
	}
	p := &FileProvider{path: path, logger: logger, tokens: map[string]string{}}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Credential(_ context.Context, workspaceProviderID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	token, ok := p.tokens[workspaceProviderID]
	if !ok || token == "" {
		return "", ErrNotConnected
	}
	return token, nil
}

// Reload re-reads the credentials file, replacing the full token view.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var parsed credentialsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	tokens := make(map[string]string, len(parsed.Workspaces))
	for id, cred := range parsed.Workspaces {
		if cred.Disabled || strings.TrimSpace(cred.Token) == "" {
			continue
		}
		tokens[id] = strings.TrimSpace(cred.Token)
	}
	p.mu.Lock()
	p.tokens = tokens
	p.mu.Unlock()
	return nil
}

// Watch blocks until the context is cancelled, reloading on file changes.
// A failed reload keeps the previous view; editors that replace the file
// (rename-over) trigger a Create event, so both are handled.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(p.path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logf("credentials reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logf("credentials watcher error: %v", err)
		}
	}
}

func (p *FileProvider) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

// StaticProvider serves a fixed token map; used by tests and by single-token
// deployments configured from the environment. A "*" entry matches any
// workspace.
type StaticProvider struct {
	Tokens map[string]string
}

func (p *StaticProvider) Credential(_ context.Context, workspaceProviderID string) (string, error) {
	if p == nil {
		return "", ErrNotConnected
	}
	token, ok := p.Tokens[workspaceProviderID]
	if !ok {
		token, ok = p.Tokens["*"]
	}
	if !ok || token == "" {
		return "", ErrNotConnected
	}
	return token, nil
}
