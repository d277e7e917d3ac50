package clsproducer

import (
	"fmt"
	"strings"

	"github.com/995933447/confloader"
)

const (
	CompressNone int32 = 0
	CompressLZ4  int32 = 1
)

type Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	Token           string `json:"token"`
	TokenFile       string `json:"token_file"`
	Topic           string `json:"topic"`
	Source          string `json:"source"`

	SendThreadCount    int32  `json:"send_thread_count"`
	PackageTimeoutMs   int32  `json:"package_timeout_ms"`
	LogCountPerPackage int32  `json:"log_count_per_package"`
	LogBytesPerPackage int32  `json:"log_bytes_per_package"`
	MaxBufferBytes     int64  `json:"max_buffer_bytes"`
	MaxBufferSize      string `json:"max_buffer_size"` // format:XX/XXB/XXKB/XXK/XXM/XXMB/XXG/XXGB

	ConnectTimeoutSec     int32 `json:"connect_timeout_sec"`
	SendTimeoutSec        int32 `json:"send_timeout_sec"`
	DestroyFlusherWaitSec int32 `json:"destroy_flusher_wait_sec"`
	DestroySenderWaitSec  int32 `json:"destroy_sender_wait_sec"`
	CompressType          int32 `json:"compress_type"` // 0 none, 1 lz4

	// -1 retries forever with a fixed BaseRetryBackoffMs sleep.
	Retries            int32 `json:"retries"`
	BaseRetryBackoffMs int32 `json:"base_retry_backoff_ms"`
	MaxRetryBackoffMs  int32 `json:"max_retry_backoff_ms"`

	EnablePersistent       bool   `json:"enable_persistent"`
	PersistentFilePath     string `json:"persistent_file_path"`
	MaxPersistentFileCount int32  `json:"max_persistent_file_count"`
	MaxPersistentFileSize  int32  `json:"max_persistent_file_size"`
	PersistentFileMaxSize  string `json:"persistent_file_max_size"` // format:XX/XXB/XXKB/XXK/XXM/XXMB
	MaxPersistentLogCount  int32  `json:"max_persistent_log_count"`
	PersistentForceFlush   bool   `json:"persistent_force_flush"`
	PersistentCompress     bool   `json:"persistent_compress"`
}

func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.LogBytesPerPackage = 1024 * 1024
	c.LogCountPerPackage = 2048
	c.PackageTimeoutMs = 3000
	c.MaxBufferBytes = 64 * 1024 * 1024
	c.ConnectTimeoutSec = 10
	c.SendTimeoutSec = 15
	c.DestroyFlusherWaitSec = 1
	c.DestroySenderWaitSec = 1
	c.CompressType = CompressLZ4
	c.Retries = 10
	c.BaseRetryBackoffMs = 100
	c.MaxRetryBackoffMs = 50000
	c.MaxPersistentFileCount = 10
	c.MaxPersistentFileSize = 1024 * 1024
	c.MaxPersistentLogCount = 65536
}

// LoadConfigFile reads a json config file on top of the defaults.
func LoadConfigFile(cfgFilePath string) (*Config, *confloader.Loader, error) {
	cfg := NewDefaultConfig()
	cfgLoader := confloader.NewLoader(cfgFilePath, refreshCfgInterval, cfg)
	if err := cfgLoader.Load(); err != nil {
		return nil, nil, err
	}
	return cfg, cfgLoader, nil
}

// normalize resolves size strings and clamps limits the collector enforces.
func (c *Config) normalize() error {
	if c.MaxBufferSize != "" {
		size, err := parseMemSizeStrToBytes(c.MaxBufferSize)
		if err != nil {
			return fmt.Errorf("%w: max_buffer_size %q: %v", ErrConfigInvalid, c.MaxBufferSize, err)
		}
		c.MaxBufferBytes = size
	}
	if c.PersistentFileMaxSize != "" {
		size, err := parseMemSizeStrToBytes(c.PersistentFileMaxSize)
		if err != nil {
			return fmt.Errorf("%w: persistent_file_max_size %q: %v", ErrConfigInvalid, c.PersistentFileMaxSize, err)
		}
		if size > 1<<31-1 {
			return fmt.Errorf("%w: persistent_file_max_size %q too large", ErrConfigInvalid, c.PersistentFileMaxSize)
		}
		c.MaxPersistentFileSize = int32(size)
	}
	c.fillZeroLimits()
	if c.LogCountPerPackage > maxLogCountPerPkg {
		c.LogCountPerPackage = maxLogCountPerPkg
	}
	if c.LogBytesPerPackage > maxLogBytesPerPkg {
		c.LogBytesPerPackage = maxLogBytesPerPkg
	}
	c.Endpoint = strings.TrimRight(strings.TrimPrefix(strings.TrimSpace(c.Endpoint), "http://"), "/")
	if c.Source == "" {
		c.Source = defaultSource
	}
	return nil
}

// fillZeroLimits takes the defaults for limits left at zero, none of them is usable as zero.
func (c *Config) fillZeroLimits() {
	def := NewDefaultConfig()
	fill32 := func(v *int32, d int32) {
		if *v == 0 {
			*v = d
		}
	}
	fill32(&c.LogBytesPerPackage, def.LogBytesPerPackage)
	fill32(&c.LogCountPerPackage, def.LogCountPerPackage)
	fill32(&c.PackageTimeoutMs, def.PackageTimeoutMs)
	fill32(&c.ConnectTimeoutSec, def.ConnectTimeoutSec)
	fill32(&c.SendTimeoutSec, def.SendTimeoutSec)
	fill32(&c.MaxRetryBackoffMs, def.MaxRetryBackoffMs)
	fill32(&c.MaxPersistentFileCount, def.MaxPersistentFileCount)
	fill32(&c.MaxPersistentFileSize, def.MaxPersistentFileSize)
	fill32(&c.MaxPersistentLogCount, def.MaxPersistentLogCount)
	if c.MaxBufferBytes == 0 {
		c.MaxBufferBytes = def.MaxBufferBytes
	}
}

func (c *Config) validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.Endpoint == "" {
		return invalid("endpoint is required")
	}
	if c.AccessKeyID == "" || c.AccessKeySecret == "" {
		return invalid("access key id and secret are required")
	}
	if c.Topic == "" {
		return invalid("topic is required")
	}
	if c.SendThreadCount < 0 {
		return invalid("send_thread_count %d < 0", c.SendThreadCount)
	}
	if c.PackageTimeoutMs < 0 || c.LogCountPerPackage < 0 || c.LogBytesPerPackage < 0 || c.MaxBufferBytes < 0 {
		return invalid("package thresholds and buffer limit must be >= 0")
	}
	if c.ConnectTimeoutSec < 0 || c.SendTimeoutSec < 0 || c.DestroyFlusherWaitSec < 0 || c.DestroySenderWaitSec < 0 {
		return invalid("timeouts must be >= 0")
	}
	if c.CompressType != CompressNone && c.CompressType != CompressLZ4 {
		return invalid("compress_type %d not supported", c.CompressType)
	}
	if c.Retries < -1 {
		return invalid("retries %d < -1", c.Retries)
	}
	if c.BaseRetryBackoffMs < 0 || c.MaxRetryBackoffMs < 0 {
		return invalid("retry backoff must be >= 0")
	}
	if !c.EnablePersistent {
		return nil
	}
	if c.PersistentFilePath == "" {
		return invalid("persistent_file_path is required when persistence is enabled")
	}
	if c.MaxPersistentFileCount <= 0 || c.MaxPersistentFileSize <= 0 || c.MaxPersistentLogCount <= 0 {
		return invalid("persistent file count, file size and log count must be > 0")
	}
	// acks must reach the checkpoint in seq order
	if c.SendThreadCount > 1 {
		return invalid("send_thread_count %d > 1 with persistence enabled", c.SendThreadCount)
	}
	return nil
}

// endpointURL returns scheme://host, http when the endpoint carries no scheme.
func (c *Config) endpointURL() string {
	if strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	return "http://" + c.Endpoint
}

// host is the endpoint without any scheme, used for the Host header.
func (c *Config) host() string {
	return strings.TrimPrefix(c.Endpoint, "https://")
}
