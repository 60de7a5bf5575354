// Package config holds the daemon configuration and its YAML form.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/hupe1980/shardblob/clustermap"
)

// Checkpoint backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendS3DDB = "s3+ddb"
	BackendMinIO = "minio"
)

// Cluster map sources.
const (
	ClusterStatic    = "static"
	ClusterZooKeeper = "zookeeper"
)

// Config is the root of the daemon configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Replication ReplicationConfig `yaml:"replication"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Logger      LoggerConfig      `yaml:"logger"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// NodeConfig identifies this node in the cluster map.
type NodeConfig struct {
	// Host is the replica host name peers use to reach this node.
	Host string `yaml:"host"`
	// DataDir holds partitions that the cluster map places without a path.
	DataDir string `yaml:"data_dir"`
}

// StorageConfig covers the segment log.
type StorageConfig struct {
	SegmentCapacity int64  `yaml:"segment_capacity"`
	Durability      string `yaml:"durability"`
	JournalSize     int    `yaml:"journal_size"`
	OpenConcurrency int    `yaml:"open_concurrency"`
	// SyncInterval is how often async appends are flushed; 0 disables.
	SyncInterval Duration `yaml:"sync_interval"`
}

// CompactionConfig controls background compaction.
type CompactionConfig struct {
	Interval           Duration `yaml:"interval"`
	MaxLiveFraction    float64  `yaml:"max_live_fraction"`
	MinAge             Duration `yaml:"min_age"`
	MaxSegments        int      `yaml:"max_segments"`
	TombstoneRetention Duration `yaml:"tombstone_retention"`
	ExpiryGrace        Duration `yaml:"expiry_grace"`
	Workers            int      `yaml:"workers"`
	IOBytesPerSec      int64    `yaml:"io_bytes_per_sec"`
}

// ReplicationConfig controls catch-up with peer replicas.
type ReplicationConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	MaxRecords  int      `yaml:"max_records"`
	Concurrency int      `yaml:"concurrency"`
	Scheme      string   `yaml:"scheme"`
}

// CheckpointConfig selects where manifests and index snapshots are kept.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Codec   string `yaml:"codec"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
	// Endpoint is the MinIO server, host:port.
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	UseSSL        bool   `yaml:"use_ssl"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// ClusterConfig selects the source of partition placement.
type ClusterConfig struct {
	Type       string   `yaml:"type"`
	StaticFile string   `yaml:"static_file"`
	ZKServers  []string `yaml:"zk_servers"`
	ZKRoot     string   `yaml:"zk_root"`
	// Partitions are registered for this node in ZooKeeper at startup.
	Partitions      []uint64 `yaml:"partitions"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Listen            string   `yaml:"listen"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a single-node development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Host:    "localhost:7070",
			DataDir: "./data",
		},
		Storage: StorageConfig{
			SegmentCapacity: 64 << 20,
			Durability:      "sync",
			JournalSize:     4096,
			OpenConcurrency: 4,
			SyncInterval:    Duration(time.Second),
		},
		Compaction: CompactionConfig{
			Interval:        Duration(time.Minute),
			MaxLiveFraction: 0.5,
			MinAge:          Duration(time.Minute),
			MaxSegments:     4,
			ExpiryGrace:     Duration(time.Minute),
			Workers:         1,
		},
		Replication: ReplicationConfig{
			Enabled:     true,
			Interval:    Duration(5 * time.Second),
			Timeout:     Duration(10 * time.Second),
			MaxRecords:  1000,
			Concurrency: 4,
			Scheme:      "http",
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendLocal,
			Codec:   "zstd",
		},
		Cluster: ClusterConfig{
			Type:            ClusterStatic,
			StaticFile:      "./cluster.yaml",
			ZKRoot:          "/shardblob",
			RefreshInterval: Duration(10 * time.Second),
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Listen:            ":7070",
			ReadHeaderTimeout: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(10 * time.Second),
		},
	}
}

// Parse decodes YAML over the defaults. Keys left out keep their default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the config at path. A missing file yields Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, err
	}
	return Parse(data)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Node.Host == "" {
		fail("node.host is required")
	}
	if c.Storage.SegmentCapacity < 4<<10 {
		fail("storage.segment_capacity must be at least 4KiB, got %d", c.Storage.SegmentCapacity)
	}
	if _, err := c.Durability(); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.SyncInterval < 0 {
		fail("storage.sync_interval must not be negative, got %s", c.Storage.SyncInterval.D())
	}
	if c.Compaction.MaxLiveFraction < 0 || c.Compaction.MaxLiveFraction > 1 {
		fail("compaction.max_live_fraction must be in [0,1], got %v", c.Compaction.MaxLiveFraction)
	}
	if c.Compaction.Workers < 0 || c.Compaction.IOBytesPerSec < 0 {
		fail("compaction.workers and compaction.io_bytes_per_sec must not be negative")
	}
	if c.Replication.Enabled && c.Replication.Interval <= 0 {
		fail("replication.interval must be positive")
	}
	switch c.Replication.Scheme {
	case "http", "https":
	default:
		fail("replication.scheme must be http or https, got %q", c.Replication.Scheme)
	}

	switch c.Checkpoint.Backend {
	case BackendLocal:
	case BackendS3:
		if c.Checkpoint.Bucket == "" {
			fail("checkpoint.bucket is required for %s", c.Checkpoint.Backend)
		}
	case BackendS3DDB:
		if c.Checkpoint.Bucket == "" || c.Checkpoint.DynamoDBTable == "" {
			fail("checkpoint.bucket and checkpoint.dynamodb_table are required for %s", c.Checkpoint.Backend)
		}
	case BackendMinIO:
		if c.Checkpoint.Bucket == "" || c.Checkpoint.Endpoint == "" {
			fail("checkpoint.bucket and checkpoint.endpoint are required for %s", c.Checkpoint.Backend)
		}
	default:
		fail("unknown checkpoint.backend %q", c.Checkpoint.Backend)
	}
	switch c.Checkpoint.Codec {
	case "", "none", "lz4", "zstd":
	default:
		fail("unknown checkpoint.codec %q", c.Checkpoint.Codec)
	}

	switch c.Cluster.Type {
	case ClusterStatic:
		if c.Cluster.StaticFile == "" {
			fail("cluster.static_file is required for %s", c.Cluster.Type)
		}
	case ClusterZooKeeper:
		if len(c.Cluster.ZKServers) == 0 {
			fail("cluster.zk_servers is required for %s", c.Cluster.Type)
		}
		if !strings.HasPrefix(c.Cluster.ZKRoot, "/") {
			fail("cluster.zk_root must be absolute, got %q", c.Cluster.ZKRoot)
		}
	default:
		fail("unknown cluster.type %q", c.Cluster.Type)
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Listen == "" {
		fail("http.listen is required")
	}
	return errors.Join(errs...)
}

// Durability reports whether puts wait for sync.
func (c *Config) Durability() (sync bool, err error) {
	switch strings.ToLower(c.Storage.Durability) {
	case "", "sync":
		return true, nil
	case "async":
		return false, nil
	default:
		return false, fmt.Errorf("storage.durability must be sync or async, got %q", c.Storage.Durability)
	}
}

// LogLevel parses Logger.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return 0, fmt.Errorf("logger.level: %w", err)
	}
	return level, nil
}

// ZKPartitions returns the partitions this node registers in ZooKeeper.
func (c *Config) ZKPartitions() []clustermap.PartitionID {
	out := make([]clustermap.PartitionID, len(c.Cluster.Partitions))
	for i, p := range c.Cluster.Partitions {
		out[i] = clustermap.PartitionID(p)
	}
	return out
}
