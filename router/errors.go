package router

import (
	"fmt"

	"accessgraph.dev/shardconfig"
)

func errRoutingPaused(hash int32) error {
	return fmt.Errorf("routing is paused for hash %d", hash)
}

func errNoShardOwner(dataElement shardconfig.DataElement, operation shardconfig.Operation, hash int32) error {
	return fmt.Errorf("no shard configuration owns dataElement=%s operation=%s hash=%d", dataElement, operation, hash)
}
