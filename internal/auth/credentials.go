package auth

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/logging"
)

// CredentialsFile stores the bearer token between CLI invocations.
type CredentialsFile struct {
	Path string
}

// Read returns the stored token, or "" if there is none.
func (c CredentialsFile) Read() (string, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Write stores token with owner-only permissions, replacing any previous one atomically.
func (c CredentialsFile) Write(token string) error {
	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(strings.TrimSpace(token) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.Path)
}

// Remove deletes the stored token. A missing file is not an error.
func (c CredentialsFile) Remove() error {
	if err := os.Remove(c.Path); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watcher mirrors the credentials file into a Session: a new file logs in,
// a changed file refreshes, a removed file forces logout.
type Watcher struct {
	file    CredentialsFile
	session *Session
	log     *zap.Logger
}

// NewWatcher returns a watcher; logger may be nil.
func NewWatcher(file CredentialsFile, session *Session, logger *zap.Logger) *Watcher {
	return &Watcher{file: file, session: session, log: logging.OrNop(logger)}
}

// Sync applies the file's current contents to the session once.
func (w *Watcher) Sync() {
	token, err := w.file.Read()
	if err != nil {
		w.log.Warn("failed to read credentials", zap.Error(err))
		return
	}
	current := w.session.Token()
	switch {
	case token == "" && current != "":
		w.session.Logout(true)
	case token == "" || token == current:
	case current == "" || w.session.Ending():
		if err := w.session.Login(token); err != nil {
			w.log.Warn("login from credentials file failed", zap.Error(err))
		}
	default:
		if err := w.session.Refresh(token); err != nil {
			w.log.Warn("token refresh from credentials file failed", zap.Error(err))
		}
	}
}

// Run applies the current file, then watches its directory until ctx is done.
// The directory is watched rather than the file so atomic replaces are seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.file.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return err
	}

	w.Sync()
	target := filepath.Clean(w.file.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.log.Debug("credentials changed", zap.String("op", event.Op.String()))
				w.Sync()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("credentials watcher error", zap.Error(err))
		}
	}
}
