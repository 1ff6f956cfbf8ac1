package backend

import "strings"

// MergeEnv applies each layer of "KEY=VALUE" entries over base. A later
// entry for an existing key replaces it in place; new keys are appended.
func MergeEnv(base []string, layers ...[]string) []string {
	merged := append([]string(nil), base...)
	index := make(map[string]int, len(merged))
	for i, entry := range merged {
		index[envKey(entry)] = i
	}
	for _, layer := range layers {
		for _, entry := range layer {
			key := envKey(entry)
			if i, ok := index[key]; ok {
				merged[i] = entry
				continue
			}
			index[key] = len(merged)
			merged = append(merged, entry)
		}
	}
	return merged
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
