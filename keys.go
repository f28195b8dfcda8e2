package bytecask

import "hash/fnv"

// keyPrefixLen is the size of the on-disk key prefix written when
// Options.PrefixedKeys is enabled.
const keyPrefixLen = 2

// encodeKeyForDisk applies the optional prefixed-keys transform
// (spec.md §4.5): a short, deterministic sequence derived from the
// logical key is prepended before the key is written to a data or hint
// record. The index never sees this — it always stores logical keys.
func encodeKeyForDisk(key []byte, prefixed bool) []byte {
	if !prefixed {
		return key
	}

	h := fnv.New32a()
	_, _ = h.Write(key)
	sum := h.Sum32()

	out := make([]byte, 0, keyPrefixLen+len(key))
	out = append(out, byte(sum>>8), byte(sum))
	out = append(out, key...)
	return out
}

// decodeKeyLogical reverses encodeKeyForDisk. The transform is
// reversible by construction: the prefix has a fixed, known length, so
// recovering the logical key is just dropping the first keyPrefixLen
// bytes, with no need to recompute or compare the hash.
func decodeKeyLogical(diskKey []byte, prefixed bool) []byte {
	if !prefixed || len(diskKey) < keyPrefixLen {
		return diskKey
	}
	return diskKey[keyPrefixLen:]
}
