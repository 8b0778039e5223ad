// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgdata defines the byte buffer model used for parameter values
// sent to the server and for result values received from it.
//
// A Data value is an immutable byte sequence tagged with a wire format
// (text or binary). The set of storage strategies is fixed: an owning
// buffer backed by its own slice, an owning buffer backed by externally
// allocated storage with a release function, a borrowed view aliasing
// memory owned by someone else, and a dedicated empty buffer. Borrowed
// views must not be read after the aliased memory is invalidated; ToData
// promotes any variant into an independent owning copy.
package pgdata

// Format identifies the wire representation of a buffer.
type Format int

const (
	// Text is the PostgreSQL text format.
	Text Format = iota

	// Binary is the PostgreSQL binary format.
	Binary
)

// String returns a human-readable format name.
func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Data is an immutable byte buffer tagged with a format.
//
// Bytes is always non-nil, even for an empty buffer. Implementations other
// than views own their storage; a view's Bytes alias externally-owned
// memory and are only valid while that memory is.
type Data interface {
	// Format returns the wire format of the buffer.
	Format() Format

	// Size returns the number of bytes in the buffer.
	Size() int

	// IsEmpty reports whether the buffer has no bytes.
	// IsEmpty() is true exactly when Size() == 0.
	IsEmpty() bool

	// Bytes returns the buffer contents. Callers must not modify the
	// returned slice.
	Bytes() []byte

	// ToData returns an owning copy whose lifetime is independent of the
	// receiver and of any storage the receiver aliases.
	ToData() Data
}

// Releaser is implemented by buffers backed by externally allocated
// storage that requires an explicit release.
type Releaser interface {
	// Release returns the backing storage to its allocator. The buffer
	// must not be read afterwards. Release is idempotent.
	Release()
}

// Release releases d's backing storage if d holds any that needs it.
func Release(d Data) {
	if r, ok := d.(Releaser); ok {
		r.Release()
	}
}

// emptyBytes backs every empty buffer so Bytes never returns nil.
var emptyBytes = []byte{}

// New copies b into a new owning buffer.
func New(b []byte, format Format) Data {
	if len(b) == 0 {
		return emptyData{format: format}
	}
	storage := make([]byte, len(b))
	copy(storage, b)
	return &ownedData{format: format, storage: storage}
}

// NewString copies s into a new owning buffer.
func NewString(s string, format Format) Data {
	if len(s) == 0 {
		return emptyData{format: format}
	}
	return &ownedData{format: format, storage: []byte(s)}
}

// Adopt takes ownership of b without copying. The caller must not use b
// afterwards.
func Adopt(b []byte, format Format) Data {
	if len(b) == 0 {
		return emptyData{format: format}
	}
	return &ownedData{format: format, storage: b}
}

// NewWithRelease takes ownership of externally allocated storage. The
// release function, if non-nil, is invoked with b when the buffer is
// released via Release.
func NewWithRelease(b []byte, format Format, release func([]byte)) Data {
	if len(b) == 0 {
		if release != nil {
			release(b)
		}
		return emptyData{format: format}
	}
	return &heapData{format: format, storage: b, release: release}
}

// View produces a borrowed buffer aliasing b without copying. The caller
// is responsible for b outliving every read of the view; ToData promotes
// the view into an owning copy.
func View(b []byte, format Format) Data {
	if len(b) == 0 {
		return emptyData{format: format}
	}
	return viewData{format: format, storage: b}
}

// Empty returns an empty buffer of the given format.
func Empty(format Format) Data {
	return emptyData{format: format}
}

// ownedData owns a slice allocated by this package or adopted from the
// caller.
type ownedData struct {
	format  Format
	storage []byte
}

func (d *ownedData) Format() Format { return d.format }
func (d *ownedData) Size() int      { return len(d.storage) }
func (d *ownedData) IsEmpty() bool  { return len(d.storage) == 0 }
func (d *ownedData) Bytes() []byte  { return d.storage }

func (d *ownedData) ToData() Data {
	return New(d.storage, d.format)
}

// heapData owns externally allocated storage with a custom release
// function.
type heapData struct {
	format  Format
	storage []byte
	release func([]byte)
}

func (d *heapData) Format() Format { return d.format }
func (d *heapData) Size() int      { return len(d.storage) }
func (d *heapData) IsEmpty() bool  { return len(d.storage) == 0 }

func (d *heapData) Bytes() []byte {
	if d.storage == nil {
		return emptyBytes
	}
	return d.storage
}

func (d *heapData) ToData() Data {
	return New(d.storage, d.format)
}

// Release invokes the release function and detaches the storage.
func (d *heapData) Release() {
	if d.storage == nil {
		return
	}
	storage := d.storage
	d.storage = nil
	if d.release != nil {
		d.release(storage)
	}
}

// viewData aliases externally-owned memory and owns nothing.
type viewData struct {
	format  Format
	storage []byte
}

func (d viewData) Format() Format { return d.format }
func (d viewData) Size() int      { return len(d.storage) }
func (d viewData) IsEmpty() bool  { return len(d.storage) == 0 }
func (d viewData) Bytes() []byte  { return d.storage }

func (d viewData) ToData() Data {
	return New(d.storage, d.format)
}

// emptyData is the zero-size buffer. A dedicated variant keeps Bytes
// non-nil without a backing allocation.
type emptyData struct {
	format Format
}

func (d emptyData) Format() Format { return d.format }
func (d emptyData) Size() int      { return 0 }
func (d emptyData) IsEmpty() bool  { return true }
func (d emptyData) Bytes() []byte  { return emptyBytes }
func (d emptyData) ToData() Data   { return d }
