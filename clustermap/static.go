package clustermap

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// StaticMap is a placement read once from a YAML document:
//
//	partitions:
//	  - id: 1
//	    replicas:
//	      - host: node-a:7070
//	        path: /var/lib/shardblob/p1
type StaticMap struct {
	PartitionReader
	replicas map[PartitionID][]Replica
}

type staticFile struct {
	Partitions []struct {
		ID       uint64    `yaml:"id"`
		Replicas []Replica `yaml:"replicas"`
	} `yaml:"partitions"`
}

// NewStaticMap builds a map from an in-memory placement.
func NewStaticMap(placement map[PartitionID][]Replica) *StaticMap {
	m := &StaticMap{replicas: make(map[PartitionID][]Replica, len(placement))}
	for p, rs := range placement {
		m.replicas[p] = slices.Clone(rs)
	}
	return m
}

// ParseStaticMap parses a YAML placement.
func ParseStaticMap(data []byte) (*StaticMap, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cluster map: %w", err)
	}
	placement := make(map[PartitionID][]Replica, len(f.Partitions))
	for _, p := range f.Partitions {
		id := PartitionID(p.ID)
		if _, dup := placement[id]; dup {
			return nil, fmt.Errorf("parse cluster map: duplicate partition %d", id)
		}
		if len(p.Replicas) == 0 {
			return nil, fmt.Errorf("parse cluster map: partition %d has no replicas", id)
		}
		for _, r := range p.Replicas {
			if r.Host == "" || r.Path == "" {
				return nil, errors.New("parse cluster map: replica needs host and path")
			}
		}
		placement[id] = p.Replicas
	}
	return NewStaticMap(placement), nil
}

// LoadStaticMap reads and parses a YAML placement file.
func LoadStaticMap(path string) (*StaticMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseStaticMap(data)
}

func (m *StaticMap) Partitions() []PartitionID {
	return slices.Sorted(maps.Keys(m.replicas))
}

func (m *StaticMap) Replicas(p PartitionID) []Replica {
	return slices.Clone(m.replicas[p])
}

func (m *StaticMap) LocalPartitions(host string) []PartitionID {
	return localPartitions(m.replicas, host)
}

func localPartitions(placement map[PartitionID][]Replica, host string) []PartitionID {
	var out []PartitionID
	for p, rs := range placement {
		if slices.ContainsFunc(rs, func(r Replica) bool { return r.Host == host }) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
