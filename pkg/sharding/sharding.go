package sharding

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	ErrTierNotFound       = errors.New("tier not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrReplicasetNotFound = errors.New("replicaset not found")
	ErrNoMaster           = errors.New("replicaset has no master")
)

// Resolver maps buckets to the replicasets owning them
type Resolver interface {
	// OwningReplicaset resolves bucket within the local tier
	OwningReplicaset(bucket uint64) (string, error)
	OwningReplicasetInTier(tier string, bucket uint64) (string, error)
	MasterOf(replicasetID string) (string, error)
}

// Static splits the buckets of a tier into contiguous equal ranges over the
// tier's replicasets ordered by id. Buckets are numbered from 1.
type Static struct {
	store storage.Reader
	tier  string
}

// NewStatic creates a resolver reading layout from store; tier is the tier
// used by OwningReplicaset
func NewStatic(store storage.Reader, tier string) *Static {
	return &Static{store: store, tier: tier}
}

// OwningReplicaset implements Resolver
func (s *Static) OwningReplicaset(bucket uint64) (string, error) {
	return s.OwningReplicasetInTier(s.tier, bucket)
}

// OwningReplicasetInTier implements Resolver
func (s *Static) OwningReplicasetInTier(tier string, bucket uint64) (string, error) {
	t, err := s.store.GetTier(tier)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrTierNotFound, tier)
		}
		return "", err
	}
	if bucket == 0 || bucket > t.BucketCount {
		return "", fmt.Errorf("%w: bucket %d of tier %s (bucket count %d)", ErrBucketNotFound, bucket, tier, t.BucketCount)
	}

	all, err := s.store.ListReplicasets()
	if err != nil {
		return "", err
	}
	var ids []string
	for _, rs := range all {
		if rs.Tier == tier {
			ids = append(ids, rs.ID)
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: tier %s has no replicasets", ErrBucketNotFound, tier)
	}
	sort.Strings(ids)

	return ids[Owner(bucket, t.BucketCount, len(ids))], nil
}

// MasterOf implements Resolver
func (s *Static) MasterOf(replicasetID string) (string, error) {
	rs, err := s.store.GetReplicaset(replicasetID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrReplicasetNotFound, replicasetID)
		}
		return "", err
	}
	if rs.MasterID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMaster, replicasetID)
	}
	return rs.MasterID, nil
}

// Owner returns the index of the replicaset owning bucket when bucketCount
// buckets are split over n replicasets
func Owner(bucket, bucketCount uint64, n int) int {
	return int((bucket - 1) * uint64(n) / bucketCount)
}

// BucketOf maps a sharding key to a bucket in [1, bucketCount]
func BucketOf(key string, bucketCount uint64) uint64 {
	if bucketCount == 0 {
		return 0
	}
	return uint64(crc32.ChecksumIEEE([]byte(key)))%bucketCount + 1
}

// Members returns the nodes of a replicaset ordered by id
func Members(store storage.Reader, replicasetID string) ([]*types.Node, error) {
	nodes, err := store.ListNodes()
	if err != nil {
		return nil, err
	}
	var out []*types.Node
	for _, n := range nodes {
		if n.ReplicasetID == replicasetID {
			out = append(out, n)
		}
	}
	types.SortNodes(out)
	return out, nil
}
