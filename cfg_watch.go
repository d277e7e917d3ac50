package clsproducer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/995933447/confloader"
	"github.com/fsnotify/fsnotify"
)

// credentials holds the signing keys; the token may be rotated while sends are in flight.
type credentials struct {
	mu              sync.RWMutex
	accessKeyID     string
	accessKeySecret string
	token           string
}

func newCredentials(cfg *Config) *credentials {
	return &credentials{
		accessKeyID:     cfg.AccessKeyID,
		accessKeySecret: cfg.AccessKeySecret,
		token:           cfg.Token,
	}
}

func (c *credentials) get() (accessKeyID, accessKeySecret, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessKeyID, c.accessKeySecret, c.token
}

func (c *credentials) resetToken(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		return false
	}
	c.token = token
	return true
}

// watchCfgToken reloads the config file on every tick and applies a changed token.
// A fresh struct is loaded each time so the running config is never written concurrently.
func watchCfgToken(cfgFilePath string, creds *credentials, stopCh <-chan struct{}) {
	refreshCfgTk := time.NewTicker(refreshCfgInterval)
	defer refreshCfgTk.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-refreshCfgTk.C:
			var fresh Config
			if err := confloader.NewLoader(cfgFilePath, refreshCfgInterval, &fresh).Load(); err != nil {
				Logger.Debug(nil, err)
				continue
			}
			if creds.resetToken(fresh.Token) {
				Logger.Debug(nil, "security token reloaded from "+cfgFilePath)
			}
		}
	}
}

type tokenFileWatcher struct {
	path    string
	creds   *credentials
	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// watchTokenFile keeps creds in sync with a file that only holds the token.
// The parent dir is watched so editors that replace the file by rename are seen too.
func watchTokenFile(path string, creds *credentials) (*tokenFileWatcher, error) {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &tokenFileWatcher{
		path:    path,
		creds:   creds,
		watcher: watcher,
		doneCh:  make(chan struct{}),
	}

	if err = w.reload(); err != nil && !os.IsNotExist(err) {
		_ = watcher.Close()
		return nil, err
	}

	go w.loop()

	return w, nil
}

func (w *tokenFileWatcher) reload() error {
	buf, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	if w.creds.resetToken(strings.TrimSpace(string(buf))) {
		Logger.Debug(nil, "security token reloaded from "+w.path)
	}
	return nil
}

func (w *tokenFileWatcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(); err != nil {
				Logger.Warn(nil, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			Logger.Error(nil, err)
		}
	}
}

func (w *tokenFileWatcher) close() {
	_ = w.watcher.Close()
	<-w.doneCh
}
