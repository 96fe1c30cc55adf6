// Package linkwatch imports credentials dropped into a directory by an
// external account-linking flow. Each file is named <user>.json and holds
// {"auth": ..., "context": ...}; it is removed once stored.
package linkwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/storage"
)

// Store receives linked credentials.
type Store interface {
	PutCredential(ctx context.Context, c storage.Credential) error
}

type Watcher struct {
	dir    string
	store  Store
	logger *slog.Logger
}

func New(dir string, store Store) *Watcher {
	return &Watcher{dir: dir, store: store, logger: slog.Default().With("component", "linkwatch")}
}

// Run imports files already present in the directory, then watches it until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating link directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.Scan(ctx)
	w.logger.Info("watching for linked credentials", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.importFile(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Scan imports every link file currently in the directory.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading link directory", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.importFile(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

type linkFile struct {
	Auth    string `json:"auth"`
	Context string `json:"context"`
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	userID, ok := userFromPath(path)
	if !ok {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading link file", "path", path, "error", err)
		}
		return
	}

	var lf linkFile
	if err := json.Unmarshal(data, &lf); err != nil {
		// A writer may still be filling the file; a later write event retries.
		w.logger.Debug("link file not ready", "path", path, "error", err)
		return
	}
	cred := halo.Credential{Auth: lf.Auth, Context: lf.Context}
	if !cred.Valid() {
		w.logger.Warn("link file missing tokens, discarding", "user_id", userID)
		os.Remove(path)
		return
	}

	if err := w.store.PutCredential(ctx, storage.Credential{UserID: userID, Auth: cred.Auth, Context: cred.Context}); err != nil {
		w.logger.Error("storing linked credential", "user_id", userID, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing link file", "path", path, "error", err)
	}
	w.logger.Info("credential linked from file", "user_id", userID)
}

func userFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	user := strings.TrimSuffix(name, ".json")
	return user, user != ""
}
