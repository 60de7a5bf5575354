package clustermap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKConn is the subset of *zk.Conn used by ZKMap.
type ZKConn interface {
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Close()
}

var _ ZKConn = (*zk.Conn)(nil)

// ZKMap reads placement from ZooKeeper. Every replica is a child node of
// <root>/partitions/<id> named "<host>|<escaped path>".
type ZKMap struct {
	PartitionReader
	conn   ZKConn
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	replicas map[PartitionID][]Replica
}

// ConnectZK dials the ensemble and returns a map rooted at root.
func ConnectZK(servers []string, root string, logger *slog.Logger) (*ZKMap, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return NewZKMap(conn, root, logger), nil
}

// NewZKMap wraps an established connection. The map is empty until Refresh.
func NewZKMap(conn ZKConn, root string, logger *slog.Logger) *ZKMap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ZKMap{
		conn:     conn,
		root:     path.Clean("/" + root),
		logger:   logger,
		replicas: make(map[PartitionID][]Replica),
	}
}

func (m *ZKMap) partitionsPath() string { return path.Join(m.root, "partitions") }

func replicaNode(r Replica) string {
	return r.Host + "|" + url.PathEscape(r.Path)
}

func parseReplicaNode(name string) (Replica, error) {
	host, escaped, ok := strings.Cut(name, "|")
	if !ok || host == "" {
		return Replica{}, fmt.Errorf("malformed replica node %q", name)
	}
	p, err := url.PathUnescape(escaped)
	if err != nil {
		return Replica{}, fmt.Errorf("malformed replica node %q: %w", name, err)
	}
	return Replica{Host: host, Path: p}, nil
}

// Refresh re-reads the whole placement.
func (m *ZKMap) Refresh() error {
	ids, _, err := m.conn.Children(m.partitionsPath())
	if err != nil {
		return fmt.Errorf("zk children: %w", err)
	}
	return m.load(ids)
}

func (m *ZKMap) load(ids []string) error {
	placement := make(map[PartitionID][]Replica, len(ids))
	for _, name := range ids {
		id, err := ParsePartitionID(name)
		if err != nil {
			m.logger.Warn("skip partition node", slog.String("node", name), slog.Any("error", err))
			continue
		}
		children, _, err := m.conn.Children(path.Join(m.partitionsPath(), name))
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("zk children: %w", err)
		}
		var rs []Replica
		for _, c := range children {
			r, err := parseReplicaNode(c)
			if err != nil {
				m.logger.Warn("skip replica node", slog.String("node", c), slog.Any("error", err))
				continue
			}
			rs = append(rs, r)
		}
		slices.SortFunc(rs, func(a, b Replica) int { return strings.Compare(a.String(), b.String()) })
		placement[id] = rs
	}

	m.mu.Lock()
	m.replicas = placement
	m.mu.Unlock()
	return nil
}

// Register announces replica r of partition p with an ephemeral node, so
// it disappears when the session ends.
func (m *ZKMap) Register(p PartitionID, r Replica) error {
	dir := path.Join(m.partitionsPath(), p.String())
	if err := m.ensurePath(dir); err != nil {
		return fmt.Errorf("ensure partition path: %w", err)
	}
	_, err := m.conn.Create(path.Join(dir, replicaNode(r)), nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create replica node: %w", err)
	}
	return nil
}

func (m *ZKMap) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Watch refreshes on every change of the partition list and at least every
// interval, until ctx is done.
func (m *ZKMap) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		ids, _, ch, err := m.conn.ChildrenW(m.partitionsPath())
		if err == nil {
			err = m.load(ids)
		}
		if err != nil {
			m.logger.Warn("refresh cluster map", slog.Any("error", err))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close closes the ZooKeeper session.
func (m *ZKMap) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMap) Partitions() []PartitionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PartitionID, 0, len(m.replicas))
	for p := range m.replicas {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (m *ZKMap) Replicas(p PartitionID) []Replica {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.replicas[p])
}

func (m *ZKMap) LocalPartitions(host string) []PartitionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return localPartitions(m.replicas, host)
}
