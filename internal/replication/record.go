package replication

import (
	"encoding/json"

	"hyperstore/internal/metadata"
)

func addReplicaRecord(shardID, nodeID string) (metadata.Record, error) {
	data, err := json.Marshal(metadata.ShardReplicaAddOp{ShardID: shardID, NodeID: nodeID})
	if err != nil {
		return metadata.Record{}, err
	}
	return metadata.Record{Type: metadata.OpShardReplicaAdd, Data: data}, nil
}
