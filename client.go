package clsproducer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type ClientOption func(*Client)

// WithCallback receives the final outcome of every batch.
func WithCallback(callback SendCallback) ClientOption {
	return func(c *Client) {
		c.callback = callback
	}
}

// WithPoster replaces the HTTP transport, mostly for tests.
func WithPoster(poster Poster) ClientOption {
	return func(c *Client) {
		c.poster = poster
	}
}

func WithMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

type ClientStats struct {
	ProducerStats
	Persistent        bool
	PersistentEnabled bool
	Checkpoint        Checkpoint
}

// Client is the entry point: it owns the producer, its senders and the optional persistence.
type Client struct {
	cfg          *Config
	creds        *credentials
	poster       Poster
	callback     SendCallback
	metrics      *Metrics
	producer     *producerManager
	persistent   *persistentManager
	lifecycle    transportLifecycle
	tokenWatcher *tokenFileWatcher
	unwatchCfgCh chan struct{}
	status       atomic.Int32
	closeOnce    sync.Once
}

// NewClient validates cfg, replays persisted batches if any and starts sending.
// cfg is copied, later changes to it have no effect.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfigInvalid)
	}
	cfgCopy := *cfg
	if err := cfgCopy.normalize(); err != nil {
		return nil, err
	}
	if err := cfgCopy.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   &cfgCopy,
		creds: newCredentials(&cfgCopy),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(cfgCopy.Topic)
	}
	if c.poster == nil {
		transport := c.lifecycle.acquire(time.Duration(cfgCopy.ConnectTimeoutSec) * time.Second)
		c.poster = newHTTPPoster(transport, time.Duration(cfgCopy.SendTimeoutSec)*time.Second)
	}

	if cfgCopy.TokenFile != "" {
		watcher, err := watchTokenFile(cfgCopy.TokenFile, c.creds)
		if err != nil {
			c.lifecycle.release()
			return nil, err
		}
		c.tokenWatcher = watcher
	}

	if cfgCopy.EnablePersistent {
		persistent, err := newPersistentManager(&cfgCopy, c.metrics)
		if err != nil {
			c.stopWatchers()
			c.lifecycle.release()
			return nil, err
		}
		c.persistent = persistent
	}

	c.producer = newProducerManager(&cfgCopy, c.creds, c.poster, c.persistent, c.metrics, c.callback)

	if c.persistent != nil {
		if err := c.persistent.Recover(c.producer); err != nil {
			// the persistent state was rebuilt, new logs are still written ahead
			Logger.Warn(nil, err)
		}
	}

	c.status.Store(int32(runStateRunning))

	return c, nil
}

// NewClientFromFile loads a json config file and keeps the token in sync with it.
func NewClientFromFile(cfgFilePath string, opts ...ClientOption) (*Client, error) {
	cfg, _, err := LoadConfigFile(cfgFilePath)
	if err != nil {
		return nil, err
	}

	c, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.TokenFile == "" {
		c.unwatchCfgCh = make(chan struct{})
		go watchCfgToken(cfgFilePath, c.creds, c.unwatchCfgCh)
	}

	return c, nil
}

func (c *Client) IsRunning() bool {
	return runState(c.status.Load()) == runStateRunning
}

// PostLog appends one record, it is sent once its batch reaches a threshold.
func (c *Client) PostLog(rec *LogRecord) error {
	return c.postLog(rec, false)
}

// PostLogWithFlush appends one record and detaches its batch right away.
func (c *Client) PostLogWithFlush(rec *LogRecord) error {
	return c.postLog(rec, true)
}

func (c *Client) postLog(rec *LogRecord, flush bool) error {
	if !c.IsRunning() {
		return ErrClientClosed
	}
	if rec == nil || len(rec.Contents) == 0 {
		return errors.New("log record has no contents")
	}
	return c.producer.Append(rec, flush)
}

// Flush detaches the open batch without waiting for it to be sent.
func (c *Client) Flush() error {
	if !c.IsRunning() {
		return ErrClientClosed
	}
	return c.producer.Flush()
}

// ResetSecurityToken swaps the temporary token used by subsequent sends.
func (c *Client) ResetSecurityToken(token string) {
	if c.creds.resetToken(token) {
		Logger.Debug(nil, "security token reset for topic "+c.cfg.Topic)
	}
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		ProducerStats: c.producer.Stats(),
		Persistent:    c.persistent != nil,
	}
	if c.persistent != nil {
		stats.PersistentEnabled = c.persistent.Enabled()
		stats.Checkpoint = c.persistent.Checkpoint()
	}
	return stats
}

func (c *Client) stopWatchers() {
	if c.unwatchCfgCh != nil {
		close(c.unwatchCfgCh)
		c.unwatchCfgCh = nil
	}
	if c.tokenWatcher != nil {
		c.tokenWatcher.close()
		c.tokenWatcher = nil
	}
}

// Close drains within the configured wait and releases every resource. Safe to call twice.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.status.Store(int32(runStateExiting))

		c.producer.Close()
		c.stopWatchers()
		if c.persistent != nil {
			err = c.persistent.Close()
		}
		c.lifecycle.release()

		c.status.Store(int32(runStateExited))
	})
	return err
}
