// Package clustermap describes which nodes hold which partitions.
//
// The store itself does not decide placement. It only needs to decode the
// partition ids that arrive in catch-up requests and, on the daemon side, to
// know which partitions are local and where their peer replicas live. Two
// sources are provided: a static YAML file and ZooKeeper.
package clustermap
