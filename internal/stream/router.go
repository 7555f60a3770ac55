package stream

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Router maps partition keys onto a fixed number of shards.
type Router struct {
	shards int
}

// NewRouter creates a router over n shards.
func NewRouter(n int) (*Router, error) {
	if n <= 0 {
		return nil, fmt.Errorf("routing: shard count must be > 0, got %d", n)
	}
	return &Router{shards: n}, nil
}

// Shards returns the number of shards.
func (r *Router) Shards() int {
	return r.shards
}

// Shard returns the shard index for a partition key.
func (r *Router) Shard(partitionKey string) int {
	return int(murmur3.Sum32([]byte(partitionKey)) % uint32(r.shards))
}

// ShardName returns the partition name of shard i.
func ShardName(i int) string {
	return fmt.Sprintf("shard-%04d", i)
}

// ParseShardName is the inverse of ShardName.
func ParseShardName(name string) (int, error) {
	var i int
	if _, err := fmt.Sscanf(name, "shard-%04d", &i); err != nil {
		return 0, fmt.Errorf("routing: invalid shard name %q", name)
	}
	if ShardName(i) != name {
		return 0, fmt.Errorf("routing: invalid shard name %q", name)
	}
	return i, nil
}
