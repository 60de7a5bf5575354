package main

import (
	"context"
	"fmt"
	"path"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/shardblob"
	"github.com/hupe1980/shardblob/blobstore"
	blobminio "github.com/hupe1980/shardblob/blobstore/minio"
	blobs3 "github.com/hupe1980/shardblob/blobstore/s3"
	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/config"
	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/metrics"
)

// topology is a cluster map the daemon must release on exit.
type topology interface {
	clustermap.Map
	Close() error
}

type staticTopology struct{ *clustermap.StaticMap }

func (staticTopology) Close() error { return nil }

func newClusterMap(ctx context.Context, cfg *config.Config, logger *shardblob.Logger) (topology, error) {
	switch cfg.Cluster.Type {
	case config.ClusterZooKeeper:
		m, err := clustermap.ConnectZK(cfg.Cluster.ZKServers, cfg.Cluster.ZKRoot, logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect zookeeper: %w", err)
		}
		for _, p := range cfg.ZKPartitions() {
			r := clustermap.Replica{Host: cfg.Node.Host, Path: shardblob.PartitionDir(cfg.Node.DataDir, p)}
			if err := m.Register(p, r); err != nil {
				_ = m.Close()
				return nil, fmt.Errorf("register partition %s: %w", p, err)
			}
		}
		if err := m.Refresh(); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("load cluster map: %w", err)
		}
		go m.Watch(ctx, cfg.Cluster.RefreshInterval.D())
		return m, nil
	default:
		m, err := clustermap.LoadStaticMap(cfg.Cluster.StaticFile)
		if err != nil {
			return nil, err
		}
		return staticTopology{m}, nil
	}
}

// localPartitions places every partition the map assigns to this node.
func localPartitions(m clustermap.Map, cfg *config.Config) []shardblob.PartitionConfig {
	var out []shardblob.PartitionConfig
	for _, p := range m.LocalPartitions(cfg.Node.Host) {
		dir := shardblob.PartitionDir(cfg.Node.DataDir, p)
		for _, r := range m.Replicas(p) {
			if r.Host == cfg.Node.Host && r.Path != "" {
				dir = r.Path
				break
			}
		}
		out = append(out, shardblob.PartitionConfig{ID: p, Dir: dir})
	}
	return out
}

// newCheckpointStores returns the checkpoint store of each partition, or
// nil to keep checkpoints next to the segments.
func newCheckpointStores(ctx context.Context, cfg *config.Config) (func(clustermap.PartitionID) blobstore.BlobStore, error) {
	c := cfg.Checkpoint
	prefix := func(p clustermap.PartitionID) string {
		return path.Join(strings.Trim(c.Prefix, "/"), "partition-"+p.String()) + "/"
	}

	switch c.Backend {
	case config.BackendS3, config.BackendS3DDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if c.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg)
		if c.Backend == config.BackendS3 {
			return func(p clustermap.PartitionID) blobstore.BlobStore {
				return blobs3.NewStore(client, c.Bucket, prefix(p))
			}, nil
		}
		ddb := dynamodb.NewFromConfig(awsCfg)
		return func(p clustermap.PartitionID) blobstore.BlobStore {
			st := blobs3.NewStore(client, c.Bucket, prefix(p))
			return blobs3.NewDDBCommitStore(st, ddb, c.DynamoDBTable, "s3://"+c.Bucket+"/"+prefix(p))
		}, nil
	case config.BackendMinIO:
		client, err := minio.New(c.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
			Secure: c.UseSSL,
			Region: c.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		return func(p clustermap.PartitionID) blobstore.BlobStore {
			return blobminio.NewStore(client, c.Bucket, prefix(p))
		}, nil
	default:
		return nil, nil
	}
}

func dbOptions(cfg *config.Config, logger *shardblob.Logger, reg *metrics.Registry, checkpoints func(clustermap.PartitionID) blobstore.BlobStore) ([]shardblob.Option, error) {
	codec, err := index.ParseCodec(cfg.Checkpoint.Codec)
	if err != nil {
		return nil, err
	}
	sync, err := cfg.Durability()
	if err != nil {
		return nil, err
	}
	durability := shardblob.DurabilitySync
	if !sync {
		durability = shardblob.DurabilityAsync
	}

	opts := []shardblob.Option{
		shardblob.WithLogger(logger),
		shardblob.WithMetrics(reg),
		shardblob.WithSegmentCapacity(cfg.Storage.SegmentCapacity),
		shardblob.WithDurability(durability),
		shardblob.WithSyncInterval(cfg.Storage.SyncInterval.D()),
		shardblob.WithSnapshotCodec(codec),
		shardblob.WithJournalSize(cfg.Storage.JournalSize),
		shardblob.WithOpenConcurrency(cfg.Storage.OpenConcurrency),
		shardblob.WithCompactionPolicy(&compaction.ReclaimPolicy{
			MaxLiveFraction: cfg.Compaction.MaxLiveFraction,
			MinAge:          cfg.Compaction.MinAge.D(),
			MaxSegments:     cfg.Compaction.MaxSegments,
		}),
		shardblob.WithCompactionInterval(cfg.Compaction.Interval.D()),
		shardblob.WithTombstoneRetention(cfg.Compaction.TombstoneRetention.D()),
		shardblob.WithExpiryGrace(cfg.Compaction.ExpiryGrace.D()),
		shardblob.WithBackgroundWorkers(cfg.Compaction.Workers),
		shardblob.WithCompactionIORate(cfg.Compaction.IOBytesPerSec),
	}
	if checkpoints != nil {
		opts = append(opts, shardblob.WithCheckpointStores(checkpoints))
	}
	return opts, nil
}
