// Package trackhash computes the namespace/name/fullname hash triple
// used throughout the relay as TrackAlias and as the key into the
// information base's subscribe/announce/prefix tables.
//
// Grounded on original_source/src/peering/common.h's FullNameHash
// hash-combine formula (a boost::hash_combine-style running combine).
// This repo uses the FNV-1a 64-bit hash as the base hasher, matching
// the "small, dependency-free hash" shape of the original's
// std::hash<uint64_t>, since no pack example imports a dedicated hash
// library for this purpose.
package trackhash

// combineConst mirrors the golden-ratio constant used by the original's
// hash-combine (0x9e3779b9, extended to 64 bits' worth of mixing).
const combineConst = 0x9e3779b97f4a7c15

// fnv1a64 hashes a byte string using FNV-1a.
func fnv1a64(b []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}
	return h
}

// Combine folds x into the running hash, following the original's
// `hash ^= hasher(x) + 0x9e3779b9 + (hash<<6) + (hash>>2)` shape.
func Combine(hash, x uint64) uint64 {
	return hash ^ (x + combineConst + (hash << 6) + (hash >> 2))
}

// Namespace computes the namespace_hash over an ordered tuple list.
func Namespace(tuples [][]byte) uint64 {
	var h uint64
	for _, t := range tuples {
		h = Combine(h, fnv1a64(t))
	}
	return h
}

// Name computes the name_hash for a track name.
func Name(name []byte) uint64 {
	return fnv1a64(name)
}

// FullName computes the fullname_hash (== TrackAlias) from the
// namespace_hash and name_hash.
func FullName(namespaceHash, nameHash uint64) uint64 {
	return Combine(namespaceHash, nameHash)
}

// Prefix computes the running prefix_hash over the first n tuples of a
// namespace, one entry per prefix length, as used by
// prefix_lookup_announces.
func Prefix(tuples [][]byte, n int) uint64 {
	var h uint64
	for i := 0; i < n && i < len(tuples); i++ {
		h = Combine(h, fnv1a64(tuples[i]))
	}
	return h
}
