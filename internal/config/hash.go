package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig returns a stable fingerprint of the decoded config, so whitespace or
// comment-only edits do not trigger a reload. Zero means "unknown".
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	// encoding/json sorts map keys, which makes Params deterministic.
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
