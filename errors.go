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

package probemap

import "errors"

// Every failure is a precondition violation detected synchronously at the
// offending call. No operation mutates the table before failing, so the
// caller can always recover (e.g. retry an Insert that returned
// ErrDuplicateKey as an Update). Errors returned by Map operations wrap one
// of these sentinels; match with errors.Is.
var (
	// ErrNilKey is returned when a nil key of a nilable key type (pointer,
	// channel, unsafe.Pointer, interface) is passed to any operation.
	ErrNilKey = errors.New("probemap: nil key")

	// ErrDuplicateKey is returned by Insert when the key is already present.
	// Insert never silently overwrites; use Update for that.
	ErrDuplicateKey = errors.New("probemap: duplicate key")

	// ErrKeyNotFound is returned by Update, Get, and Remove when the key is
	// not present in the table.
	ErrKeyNotFound = errors.New("probemap: key not found")
)
