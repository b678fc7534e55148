// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package compressor

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

// Compressor is the interface implemented by types that can compress and
// decompress wire message bodies.
type Compressor interface {
	CompressBytes(src []byte) ([]byte, error)
	UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error)
	CompressorID() wiremessage.CompressorID
	Name() string
}

// SnappyCompressor uses the snappy method to compress data.
type SnappyCompressor struct{}

// ZlibCompressor uses the zlib method to compress data.
type ZlibCompressor struct {
	level int
}

// CompressBytes compresses src with snappy.
func (s *SnappyCompressor) CompressBytes(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// UncompressBytes decompresses src with snappy.
func (s *SnappyCompressor) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	dst, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decompress snappy message")
	}
	return dst, nil
}

// CompressorID returns the ID for the snappy compressor.
func (s *SnappyCompressor) CompressorID() wiremessage.CompressorID {
	return wiremessage.CompressorSnappy
}

// Name returns the name of the snappy compressor.
func (s *SnappyCompressor) Name() string {
	return "snappy"
}

// CompressBytes compresses src with zlib.
func (z *ZlibCompressor) CompressBytes(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create zlib writer")
	}

	if _, err = w.Write(src); err != nil {
		_ = w.Close()
		return nil, errors.Wrap(err, "unable to compress zlib message")
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to flush zlib writer")
	}

	return buf.Bytes(), nil
}

// UncompressBytes decompresses src with zlib.
func (z *ZlibCompressor) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create zlib reader")
	}
	defer func() { _ = r.Close() }()

	dst := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(dst)
	if _, err = io.Copy(buf, r); err != nil {
		return nil, errors.Wrap(err, "unable to decompress zlib message")
	}

	return buf.Bytes(), nil
}

// CompressorID returns the ID for the zlib compressor.
func (z *ZlibCompressor) CompressorID() wiremessage.CompressorID {
	return wiremessage.CompressorZLib
}

// Name returns the name of the zlib compressor.
func (z *ZlibCompressor) Name() string {
	return "zlib"
}

// CreateZlibCompressor creates a zlib compressor using the default compression
// level.
func CreateZlibCompressor() *ZlibCompressor {
	return &ZlibCompressor{level: zlib.DefaultCompression}
}

// ByName returns the compressor registered under the given negotiated name.
func ByName(name string) (Compressor, bool) {
	switch name {
	case "snappy":
		return &SnappyCompressor{}, true
	case "zlib":
		return CreateZlibCompressor(), true
	default:
		return nil, false
	}
}

// ByID returns the compressor for the given wire compressor id.
func ByID(id wiremessage.CompressorID) (Compressor, bool) {
	switch id {
	case wiremessage.CompressorSnappy:
		return &SnappyCompressor{}, true
	case wiremessage.CompressorZLib:
		return CreateZlibCompressor(), true
	default:
		return nil, false
	}
}
