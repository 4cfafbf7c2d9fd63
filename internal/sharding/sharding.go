package sharding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// ShardCount partitions push subjects so subscribers can split the space.
const ShardCount = 64

const (
	PushSubjectPrefix = "bridge.push"
	PushWildcard      = PushSubjectPrefix + ".>"
)

// GetShardID calculates the deterministic shard ID for a key.
func GetShardID(key string) int {
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % ShardCount)
}

// PushSubject maps an opaque push address onto a NATS-safe subject.
// Format: bridge.push.{shard_id}.{digest}
func PushSubject(pushAddress string) string {
	sum := sha256.Sum256([]byte(pushAddress))
	return fmt.Sprintf("%s.%d.%s", PushSubjectPrefix, GetShardID(pushAddress), hex.EncodeToString(sum[:16]))
}
