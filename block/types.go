// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package block implements the Block Store: per-executor storage of
// immutable, committed blocks composed of keyed partitions, with
// serialized and deserialized write paths, partial reads by key
// range, file-area references for zero-copy forwarding, and deletion.
package block

import (
	"encoding/gob"
	"io"
)

// PartitionMetadata records one partition's position within a block's
// backing file.
type PartitionMetadata struct {
	Key          string
	OffsetBytes  uint64
	LengthBytes  uint32
	ElementCount uint32
}

// FileArea is a zero-copy descriptor used to forward a byte range to
// a remote reader without deserialization.
type FileArea struct {
	Path   string
	Offset uint64
	Length uint64
}

// NonSerializedPartition is the payload of one user key's elements,
// not yet encoded to bytes.
type NonSerializedPartition struct {
	Key      string
	Elements []interface{}
}

// SerializedPartition is the payload of one user key's elements,
// already encoded to bytes by the caller.
type SerializedPartition struct {
	Key          string
	Data         []byte
	ElementCount int
}

// NonSerializedSource pulls NonSerializedPartitions one at a time,
// a pull-based source: ok is false once it is exhausted.
type NonSerializedSource func() (p NonSerializedPartition, ok bool, err error)

// SerializedSource pulls SerializedPartitions one at a time.
type SerializedSource func() (p SerializedPartition, ok bool, err error)

// Serializer encodes and decodes the elements of a single partition.
// The concrete on-disk element codec is explicitly out of scope for
// this module; Serializer is the narrow seam a real
// codec plugs into. GobSerializer below is the default, used only
// because a generic, swappable element codec isn't a concern any pack
// library specializes in providing (see DESIGN.md).
type Serializer interface {
	// Encode writes elements to w and returns the number of bytes
	// written.
	Encode(w io.Writer, elements []interface{}) (n int64, err error)
	// Decode reads exactly length bytes from r, decoding count
	// elements from them.
	Decode(r io.Reader, length int64, count int) ([]interface{}, error)
}

// GobSerializer is the package's default Serializer, backed by
// encoding/gob.
type GobSerializer struct{}

func init() {
	// gob requires every concrete type that crosses an interface{}
	// boundary to be registered. The handful of builtin types
	// registered here cover the common case of elements that are
	// plain Go values rather than caller-defined structs; callers
	// storing their own types must gob.Register them too.
	gob.Register(0)
	gob.Register("")
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register([]byte(nil))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode implements Serializer.
func (GobSerializer) Encode(w io.Writer, elements []interface{}) (int64, error) {
	cw := &countingWriter{w: w}
	enc := gob.NewEncoder(cw)
	for _, el := range elements {
		// Encode through a pointer to the interface so gob sends the
		// element as an interface value, which is what Decode reads.
		if err := enc.Encode(&el); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// Decode implements Serializer.
func (GobSerializer) Decode(r io.Reader, length int64, count int) ([]interface{}, error) {
	lr := io.LimitReader(r, length)
	dec := gob.NewDecoder(lr)
	elements := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		var el interface{}
		if err := dec.Decode(&el); err != nil {
			return elements, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}
