package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/pmkol/offsync/mlog"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/coordinator"
	"github.com/pmkol/offsync/pkg/syncqueue/sqlite_queue"
)

type Config struct {
	Log          mlog.LogConfig     `yaml:"log"`
	Include      []string           `yaml:"include"`
	Engine       EngineConfig       `yaml:"engine"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Classify     classify.Opts      `yaml:"classify"`
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
}

type EngineConfig struct {
	// Origin is the scheme and host of the application, e.g. https://app.example.com.
	Origin string `yaml:"origin"`

	// Workers bounds background refreshes.
	Workers int64 `yaml:"workers"`

	MaxAge       time.Duration `yaml:"max_age"`
	VaryHeaders  string        `yaml:"vary_headers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
	UserAgent    string        `yaml:"user_agent"`
}

type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend   string        `yaml:"backend"`
	Retention time.Duration `yaml:"retention"`

	// memory
	Size     int   `yaml:"size"`
	MaxBytes int64 `yaml:"max_bytes"`

	// redis
	Redis        string        `yaml:"redis"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

type QueueConfig struct {
	Path        string        `yaml:"path"`
	MaxAttempts int           `yaml:"max_attempts"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

type SyncConfig struct {
	Interval      time.Duration       `yaml:"interval"`
	Concurrency   int                 `yaml:"concurrency"`
	ReplayTimeout time.Duration       `yaml:"replay_timeout"`
	Tags          map[string][]string `yaml:"tags"`
}

type LifecycleConfig struct {
	// Manifest is the path of the deploy manifest. Empty runs an empty
	// manifest of version v1.
	Manifest           string        `yaml:"manifest"`
	ReloadDelay        time.Duration `yaml:"reload_delay"`
	EvictInterval      time.Duration `yaml:"evict_interval"`
	InstallConcurrency int           `yaml:"install_concurrency"`
}

type ConnectivityConfig struct {
	CheckURL     string        `yaml:"check_url"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	StartOffline bool          `yaml:"start_offline"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	Cert          string        `yaml:"cert"`
	Key           string        `yaml:"key"`
	KernelTX      bool          `yaml:"kernel_tx"`
	KernelRX      bool          `yaml:"kernel_rx"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ProxyProtocol bool          `yaml:"proxy_protocol"`
	SrcIPHeader   string        `yaml:"src_ip_header"`
	HealthPath    string        `yaml:"health_path"`
	MaxBodySize   int64         `yaml:"max_body_size"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

const (
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"

	defaultQueuePath = "offsync-queue.db"
)

func (c *Config) Init() error {
	if len(c.Engine.Origin) == 0 {
		return errors.New("engine.origin is required")
	}
	switch c.Cache.Backend {
	case "":
		c.Cache.Backend = cacheBackendMemory
	case cacheBackendMemory:
	case cacheBackendRedis:
		if len(c.Cache.Redis) == 0 {
			return errors.New("cache.redis is required by the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	c.Queue.init()

	// A lease that ends before the replay does lets another pass claim the
	// same mutation while it is still being sent.
	lease, replay := c.Queue.LeaseTTL, c.Sync.ReplayTimeout
	if lease <= 0 {
		lease = sqlite_queue.DefaultLeaseTTL
	}
	if replay <= 0 {
		replay = coordinator.DefaultReplayTimeout
	}
	if lease <= replay {
		return fmt.Errorf("queue.lease_ttl (%s) must be longer than sync.replay_timeout (%s)", lease, replay)
	}
	return nil
}

func (c *QueueConfig) init() {
	if len(c.Path) == 0 {
		c.Path = defaultQueuePath
	}
}
