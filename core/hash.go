package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// PropertyHash128 is a 128-bit hash split into two 64-bit halves. It
// identifies either a single property on a single entity instance, or
// (as ComponentTypeHash) a component type. The null hash (both halves
// zero) denotes "unset" and must never be produced by a real hash
// computation over non-empty input.
type PropertyHash128 struct {
	High uint64
	Low  uint64
}

// ComponentTypeHash is the same 128-bit shape as PropertyHash128, used to
// identify a component type by nominal identity + structural hash.
type ComponentTypeHash = PropertyHash128

// IsNull reports whether both halves are zero, i.e. the hash is unset.
func (h PropertyHash128) IsNull() bool {
	return h.High == 0 && h.Low == 0
}

// Less provides a strict total order over PropertyHash128, comparing the
// high half first and the low half as a tiebreaker.
func (h PropertyHash128) Less(other PropertyHash128) bool {
	if h.High != other.High {
		return h.High < other.High
	}
	return h.Low < other.Low
}

// String renders the hash as "high:low" in lowercase hex for logging and
// diagnostics.
func (h PropertyHash128) String() string {
	return fmt.Sprintf("%016x:%016x", h.High, h.Low)
}

// splitmix64 is the SplitMix64 PRNG finalizer, used here purely for its
// avalanche properties as a 64-bit hash-combine step. See
// https://xorshift.di.unimi.it/splitmix64.c
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Hash64 combines the two halves with a golden-ratio mix (the
// boost::hash_combine-style formula) and finishes with SplitMix64, giving
// a good-quality 64-bit value suitable for use as a Go map key via a
// wrapper, or for external hash tables that need a single scalar.
func (h PropertyHash128) Hash64() uint64 {
	combined := h.High ^ (h.Low + 0x9e3779b97f4a7c15 + (h.High << 6) + (h.High >> 2))
	return splitmix64(combined)
}

// truncate128 takes a SHA-256 digest and returns the high 128 bits as two
// big-endian uint64 halves: bytes 0..7 are High, bytes 8..15 are Low.
func truncate128(digest [sha256.Size]byte) PropertyHash128 {
	return PropertyHash128{
		High: binary.BigEndian.Uint64(digest[0:8]),
		Low:  binary.BigEndian.Uint64(digest[8:16]),
	}
}

// ComputePropertyHash derives the per-instance property identity hash:
// SHA-256(entityId as 8-byte big-endian || componentType UTF-8 ||
// propertyName UTF-8), truncated to the high 128 bits. This must be
// computed exactly once at property registration time and reused;
// recomputing it is wasted work but always yields the same value for the
// same inputs. Determinism is a hard protocol requirement: any change to
// this byte layout is a wire-protocol break.
func ComputePropertyHash(entityID uint64, componentType, propertyName string) PropertyHash128 {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], entityID)
	h.Write(idBuf[:])
	h.Write([]byte(componentType))
	h.Write([]byte(propertyName))

	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))
	return truncate128(digest)
}
