package pebbledb

import (
	"encoding/binary"

	"github.com/cadre-io/cadre/backend"
	"github.com/cadre-io/cadre/pkg/id"
)

const (
	prefixQueue = "q/"
	prefixKV    = "kv/"
)

// envKey returns the envelope body key.
// Format: q/{queue}/env/{id}
func envKey(queue, envID string) []byte {
	return []byte(prefixQueue + queue + "/env/" + envID)
}

// readyPrefix returns the prefix for ready-index scans.
// Format: q/{queue}/ready/
func readyPrefix(queue string) []byte {
	return []byte(prefixQueue + queue + "/ready/")
}

// readyKey returns the ready index key: prefix + 1-byte priority + 16-byte ID.
func readyKey(queue string, prio backend.Priority, envID id.ID) []byte {
	prefix := readyPrefix(queue)
	key := make([]byte, len(prefix)+1+16)
	copy(key, prefix)
	key[len(prefix)] = byte(prio)
	copy(key[len(prefix)+1:], envID[:])
	return key
}

// visPrefix returns the prefix for visibility-index scans.
// Format: q/{queue}/vis/
func visPrefix(queue string) []byte {
	return []byte(prefixQueue + queue + "/vis/")
}

// visKey returns the visibility index key: prefix + 8-byte deadline + 16-byte ID.
func visKey(queue string, deadlineMs int64, envID id.ID) []byte {
	prefix := visPrefix(queue)
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(deadlineMs))
	copy(key[len(prefix)+8:], envID[:])
	return key
}

// kvKey returns the record key for the versioned KV table.
func kvKey(key string) []byte { return []byte(prefixKV + key) }

// upperBound returns the exclusive end key for a prefix scan.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}
