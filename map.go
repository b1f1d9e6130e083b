// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probemap implements a hash table mapping keys to values using
// open addressing with plain linear probing and a per-slot metadata byte.
//
// # Layout
//
// The table is two parallel arrays of equal, power-of-two length: a slot
// array holding the key/value entries and a metadata array holding one
// control byte per slot. The control byte for a slot is in one of three
// disjoint states:
//
//	   empty: 1 0 0 0 0 0 0 0  // never held an entry (or reset by a rehash)
//	 deleted: 1 1 1 1 1 1 1 0  // tombstone left behind by Remove
//	    full: 0 h h h h h h h  // h is the low 7 bits of hash(key)
//
// The high bit cleanly separates the two sentinels from every possible
// 7-bit fingerprint, so a fingerprint can never be mistaken for empty or
// deleted. The fingerprint lets a lookup reject a slot by comparing a
// single byte before touching the (larger, less cache-resident) slot
// payload for a full key comparison. With a well distributed hash the
// expected number of false positive key comparisons per lookup is k/128
// for a probe chain of length k, i.e. almost all mismatching slots are
// rejected on the metadata byte alone. See
// https://abseil.io/about/design/swisstables for the lineage of the
// metadata-byte idea; unlike Swiss tables this implementation probes one
// slot at a time rather than in groups.
//
// # Probing
//
// The probe sequence for a key starts at hash(key) masked by capacity-1
// (capacity is kept a power of two so masking replaces modulo) and walks
// forward one slot at a time, wrapping at the end of the array. A lookup
// stops at the first empty control byte: a probe chain is contiguous
// modulo tombstones, so a true empty proves the key is absent. Tombstones
// do not stop a lookup (the deleted slot may sit in the middle of another
// key's chain) but are reusable by inserts.
//
// # Deletion and rehashing
//
// Remove only rewrites the slot's control byte to the tombstone value.
// Tombstones are shed wholesale by rehashing: when an insert finds that
// live entries plus tombstones would push the table past its maximum load
// factor (0.70 by default), the table is rebuilt. The rebuild doubles the
// capacity if the live entries alone exceed the threshold, and otherwise
// rebuilds at the same capacity purely to reclaim tombstone-polluted probe
// chains. Either way every live entry is re-placed into fresh arrays and
// all tombstones are dropped.
//
// A Map is NOT goroutine-safe. Callers that share a Map across goroutines
// must serialize access externally.
package probemap

import (
	"fmt"
	"math/bits"
	"reflect"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	debug = false

	ctrlEmpty   ctrl = 0b1000_0000
	ctrlDeleted ctrl = 0b1111_1110

	// defaultCapacity is the number of slots allocated when New is called
	// with a zero initial capacity.
	defaultCapacity = 16
	// defaultMaxLoad is the load factor threshold above which an insert
	// rehashes before placing its entry.
	defaultMaxLoad = 0.70
)

// ctrl is a slot's metadata byte: ctrlEmpty, ctrlDeleted, or a 7-bit
// fingerprint with the high bit clear.
type ctrl uint8

// isFull returns true if the control byte holds a fingerprint, i.e. the
// slot holds a live entry.
func (c ctrl) isFull() bool {
	return (c & ctrlEmpty) != ctrlEmpty
}

// h2 extracts the 7-bit fingerprint portion of a hash.
func h2(h uintptr) uintptr {
	return h & 0x7f
}

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Insert, Update, Get,
// Remove, Has, Keys, and All operations. Insert refuses duplicate keys and
// Update refuses absent ones; the key set is otherwise mutated freely. By
// default a Map[K,V] uses the same hash function as Go's builtin map[K]V,
// though a different hash function can be specified using the WithHash
// option.
//
// The zero value for a Map is not usable; construct with New.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. Extracted from the Go
	// runtime's implementation of map[K]struct{} unless overridden.
	hash hashFn
	seed uintptr
	// The allocator to use for the ctrls and slots arrays.
	allocator Allocator[K, V]
	// ctrls and slots are parallel arrays of capacity length.
	ctrls unsafeSlice[ctrl]
	slots unsafeSlice[Slot[K, V]]
	// The total number of slots. Always a power of two so that capacity-1
	// serves as the probe mask.
	capacity uintptr
	// The number of live entries.
	used int
	// The number of tombstoned slots. Tombstones count against the load
	// threshold so that delete/insert churn cannot degrade probe chains
	// indefinitely without triggering a rehash.
	tombstones int
	// The load factor threshold above which an insert rehashes first.
	// Always in (0, 1), which guarantees probe termination: the table
	// retains at least one empty slot.
	maxLoad float64
	// nilableKey records whether K is a kind whose values can be nil
	// (pointer, channel, unsafe.Pointer, interface). Computed once so the
	// per-call nil check is a bool test for every other key type.
	nilableKey bool
}

// New constructs a Map with the specified initial capacity, rounded up to
// a power of two. If initialCapacity is 0 the map starts with 16 slots.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      getRuntimeHasher[K](),
		seed:      uintptr(fastrand64()),
		allocator: defaultAllocator[K, V]{},
		maxLoad:   defaultMaxLoad,
	}
	var k K
	switch reflect.TypeOf(&k).Elem().Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer, reflect.Interface:
		m.nilableKey = true
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity <= 0 {
		initialCapacity = defaultCapacity
	}
	m.init(uintptr(1) << bits.Len(uint(initialCapacity-1)))
	m.checkInvariants()
	return m
}

// init allocates the ctrls and slots arrays for the given power-of-two
// capacity, leaving every slot empty.
func (m *Map[K, V]) init(capacity uintptr) {
	m.slots = makeUnsafeSlice(m.allocator.AllocSlots(int(capacity)))
	ctrls := m.allocator.AllocControls(int(capacity))
	for i := range ctrls {
		ctrls[i] = uint8(ctrlEmpty)
	}
	m.ctrls = makeUnsafeSlice(unsafeConvertSlice[ctrl](ctrls))
	m.capacity = capacity
}

// Close closes the map, releasing its memory back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots.Slice(0, m.capacity))
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls.Slice(0, m.capacity)))
		m.capacity = 0
		m.used = 0
		m.tombstones = 0
	}
	m.ctrls = makeUnsafeSlice([]ctrl(nil))
	m.slots = makeUnsafeSlice([]Slot[K, V](nil))
	m.allocator = nil
}

// Insert adds a new entry to the map. It returns ErrDuplicateKey if an
// entry with the same key is already present (the existing entry is left
// untouched; use Update to overwrite it) and ErrNilKey if key is a nil
// value of a nilable key type. If placing the entry would push the table
// past its maximum load factor the table is rehashed first.
//
// Insert runs in amortized O(1) under the maintained load factor; the
// worst case is O(capacity) under pathological clustering.
func (m *Map[K, V]) Insert(key K, value V) error {
	if m.nilKey(key) {
		return errors.Wrap(ErrNilKey, "insert")
	}
	_, h, ok := m.find(key)
	if ok {
		return errors.Wrapf(ErrDuplicateKey, "insert %v", key)
	}
	// The threshold check is against the post-insert count so that
	// used/capacity <= maxLoad holds after every insert, not one insert
	// later. Tombstones count too; see rehash.
	if float64(m.used+m.tombstones+1) > m.maxLoad*float64(m.capacity) {
		m.rehash()
	}
	m.uncheckedPut(h, key, value)
	m.checkInvariants()
	return nil
}

// Update overwrites the value of an existing entry in place. It returns
// ErrKeyNotFound if the key is absent and ErrNilKey on a nil key. The
// slot's metadata is untouched.
func (m *Map[K, V]) Update(key K, value V) error {
	if m.nilKey(key) {
		return errors.Wrap(ErrNilKey, "update")
	}
	pos, _, ok := m.find(key)
	if !ok {
		return errors.Wrapf(ErrKeyNotFound, "update %v", key)
	}
	m.slots.At(pos).value = value
	return nil
}

// Get retrieves the value stored for the specified key. It returns
// ErrKeyNotFound if the key is absent and ErrNilKey on a nil key.
func (m *Map[K, V]) Get(key K) (V, error) {
	var zero V
	if m.nilKey(key) {
		return zero, errors.Wrap(ErrNilKey, "get")
	}
	pos, _, ok := m.find(key)
	if !ok {
		return zero, errors.Wrapf(ErrKeyNotFound, "get %v", key)
	}
	return m.slots.At(pos).value, nil
}

// Remove deletes the entry for the specified key, returning the removed
// value. It returns ErrKeyNotFound if the key is absent and ErrNilKey on a
// nil key. Removal writes a tombstone; the table's capacity never shrinks.
func (m *Map[K, V]) Remove(key K) (V, error) {
	var zero V
	if m.nilKey(key) {
		return zero, errors.Wrap(ErrNilKey, "remove")
	}
	pos, _, ok := m.find(key)
	if !ok {
		return zero, errors.Wrapf(ErrKeyNotFound, "remove %v", key)
	}
	s := m.slots.At(pos)
	value := s.value
	// Zero the slot so the GC can reclaim the key and value. Occupancy is
	// carried entirely by the control byte; the payload is dead weight
	// until a future insert reuses the slot.
	*s = Slot[K, V]{}
	*m.ctrls.At(pos) = ctrlDeleted
	m.used--
	m.tombstones++
	if debug {
		fmt.Printf("remove(%v): index=%d used=%d tombstones=%d\n",
			key, pos, m.used, m.tombstones)
	}
	m.checkInvariants()
	return value, nil
}

// Has reports whether the map contains the specified key. It surfaces the
// same nil-key failure as every other operation.
func (m *Map[K, V]) Has(key K) (bool, error) {
	if m.nilKey(key) {
		return false, errors.Wrap(ErrNilKey, "has")
	}
	_, _, ok := m.find(key)
	return ok, nil
}

// Len returns the number of live entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Keys returns a fresh snapshot of all live keys in physical slot order.
// The order is unspecified and unstable across rehashes.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.used)
	m.All(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// All calls yield sequentially for each key and value present in the map,
// in physical slot order. If yield returns false, iteration stops. The map
// can be mutated during iteration, though there is no guarantee that the
// mutations will be visible to the iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the capacity, controls, and slots so that iteration remains
	// valid if the map is rehashed during iteration.
	capacity := m.capacity
	ctrls := m.ctrls
	slots := m.slots

	for i := uintptr(0); i < capacity; i++ {
		if c := *ctrls.At(i); c.isFull() {
			s := slots.At(i)
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// String returns a diagnostic dump of the map: one "key: value" line per
// live entry, in the same (unspecified) order as Keys and All.
func (m *Map[K, V]) String() string {
	var buf strings.Builder
	m.All(func(key K, value V) bool {
		fmt.Fprintf(&buf, "%v: %v\n", key, value)
		return true
	})
	return buf.String()
}

// nilKey reports whether key is a nil value of a nilable key type. For all
// other key types this is a single branch on a precomputed bool.
func (m *Map[K, V]) nilKey(key K) bool {
	if !m.nilableKey {
		return false
	}
	// reflect.ValueOf unwraps interface keys: a nil interface yields the
	// invalid zero Value, and an interface wrapping a typed nil pointer
	// yields that nil pointer, which is also rejected below.
	v := reflect.ValueOf(key)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Chan:
		return v.IsNil()
	case reflect.UnsafePointer:
		// IsNil does not support unsafe.Pointer values.
		return v.Pointer() == 0
	}
	return false
}

// find returns the slot index holding key, or ok=false if the key is not
// present. The key's hash digest is returned in either case so that Insert
// can place the key without hashing it a second time. The fingerprint
// comparison is branch-cheap and rejects almost every mismatching slot
// before the full key comparison.
func (m *Map[K, V]) find(key K) (pos, h uintptr, ok bool) {
	h = m.hash(noescape(unsafe.Pointer(&key)), m.seed)
	fp := ctrl(h2(h))
	mask := m.capacity - 1
	pos = h & mask
	if debug {
		fmt.Printf("find(%v): start=%d h2=%02x\n", key, pos, fp)
	}

	for {
		c := *m.ctrls.At(pos)
		if c == fp && m.slots.At(pos).key == key {
			return pos, h, true
		}
		if c == ctrlEmpty {
			// A true empty terminates the probe chain: the chain is
			// contiguous modulo tombstones, so the key cannot be further
			// along. Tombstones fall through and the probe continues.
			return 0, h, false
		}
		pos = (pos + 1) & mask
	}
}

// uncheckedPut places an entry known not to be in the table into the first
// empty or tombstoned slot of its probe chain. Callers are responsible for
// the duplicate check and the load threshold; violating either will cause
// the table to behave erratically.
func (m *Map[K, V]) uncheckedPut(h uintptr, key K, value V) {
	mask := m.capacity - 1
	pos := h & mask
	for {
		c := *m.ctrls.At(pos)
		if c == ctrlEmpty || c == ctrlDeleted {
			if c == ctrlDeleted {
				m.tombstones--
			}
			s := m.slots.At(pos)
			s.key = key
			s.value = value
			*m.ctrls.At(pos) = ctrl(h2(h))
			m.used++
			if debug {
				fmt.Printf("put(%v): index=%d used=%d tombstones=%d\n",
					key, pos, m.used, m.tombstones)
			}
			return
		}
		pos = (pos + 1) & mask
	}
}

// rehash is triggered by Insert when live entries plus tombstones would
// exceed the load threshold. If the live entries alone exceed it the
// capacity doubles; otherwise the table is rebuilt at the same capacity
// purely to shed tombstones. Rebuilding is the only mechanism that heals
// probe chains degraded by delete/insert churn.
func (m *Map[K, V]) rehash() {
	if float64(m.used+1) > m.maxLoad*float64(m.capacity) {
		m.resize(2 * m.capacity)
	} else {
		m.resize(m.capacity)
	}
}

// resize rebuilds the table at newCapacity by allocating fresh arrays and
// re-placing every live entry with uncheckedPut (no insertion here can be
// a duplicate), then returns the old arrays to the allocator. Tombstones
// are dropped entirely.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldCtrls, oldSlots := m.ctrls, m.slots
	oldCapacity := m.capacity
	m.init(newCapacity)
	m.used = 0
	m.tombstones = 0

	if debug {
		fmt.Printf("resize: capacity=%d->%d\n", oldCapacity, newCapacity)
	}

	for i := uintptr(0); i < oldCapacity; i++ {
		c := *oldCtrls.At(i)
		if !c.isFull() {
			continue
		}
		s := oldSlots.At(i)
		h := m.hash(noescape(unsafe.Pointer(&s.key)), m.seed)
		m.uncheckedPut(h, s.key, s.value)
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
		m.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls.Slice(0, oldCapacity)))
	}

	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two", m.capacity))
		}

		// For every full slot, verify the fingerprint matches the key's
		// hash and that the key is reachable by probing. Count the slot
		// states and compare against the bookkeeping.
		var used, tombstones int
		for i := uintptr(0); i < m.capacity; i++ {
			switch c := *m.ctrls.At(i); c {
			case ctrlEmpty:
			case ctrlDeleted:
				tombstones++
			default:
				s := m.slots.At(i)
				h := m.hash(noescape(unsafe.Pointer(&s.key)), m.seed)
				if ctrl(h2(h)) != c {
					panic(fmt.Sprintf("invariant failed: slot(%d): ctrl %02x does not match h2 %02x\n%s",
						i, c, h2(h), m.debugString()))
				}
				if pos, _, ok := m.find(s.key); !ok || pos != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found by probing\n%s",
						i, s.key, m.debugString()))
				}
				used++
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if tombstones != m.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.tombstones, m.debugString()))
		}
		if float64(m.used) > m.maxLoad*float64(m.capacity) {
			panic(fmt.Sprintf("invariant failed: load %d/%d exceeds max load factor %v\n%s",
				m.used, m.capacity, m.maxLoad, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d\n", m.capacity, m.used, m.tombstones)
	for i := uintptr(0); i < m.capacity; i++ {
		switch c := *m.ctrls.At(i); c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			s := m.slots.At(i)
			h := m.hash(noescape(unsafe.Pointer(&s.key)), m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n", i, s.key, c, h2(h))
		}
	}
	return buf.String()
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
