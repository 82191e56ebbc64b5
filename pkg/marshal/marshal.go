// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the opaque payload marshalling contract the engine invokes
// without inspecting payload content.
package marshal

// Codec marshals application data into the wire representation carried by
// a publication's frame buffer, and back again on reception. The engine
// calls these only when a publication or subscription has FLAGS_MARSHALL
// set; it never interprets the bytes itself.
type Codec interface {
	// Marshall encodes src for the telegram identified by comID travelling
	// from src to dst, returning the wire bytes to place in the frame.
	Marshall(comID uint32, srcIP, dstIP string, data []byte) ([]byte, error)
	// Unmarshall decodes wire bytes received for comID back into
	// application data.
	Unmarshall(comID uint32, srcIP, dstIP string, wire []byte) ([]byte, error)
}

// RawCodec is the default Codec: it passes bytes through unchanged, used
// whenever FLAGS_MARSHALL is not set on the relevant element.
type RawCodec struct{}

func (RawCodec) Marshall(_ uint32, _, _ string, data []byte) ([]byte, error) {
	return data, nil
}

func (RawCodec) Unmarshall(_ uint32, _, _ string, wire []byte) ([]byte, error) {
	return wire, nil
}
