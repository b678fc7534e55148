// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fuzed-innovations/MongoKitten/x/wiremessage"
)

func TestCompressors(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	tests := []struct {
		name string
		comp Compressor
		id   wiremessage.CompressorID
	}{
		{"snappy", &SnappyCompressor{}, wiremessage.CompressorSnappy},
		{"zlib", CreateZlibCompressor(), wiremessage.CompressorZLib},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.name, test.comp.Name())
			require.Equal(t, test.id, test.comp.CompressorID())

			compressed, err := test.comp.CompressBytes(payload)
			require.NoError(t, err)
			require.NotEmpty(t, compressed)
			require.Less(t, len(compressed), len(payload))

			uncompressed, err := test.comp.UncompressBytes(compressed, int32(len(payload)))
			require.NoError(t, err)
			require.Equal(t, payload, uncompressed)
		})
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"snappy", "zlib"} {
		comp, ok := ByName(name)
		require.True(t, ok)
		require.Equal(t, name, comp.Name())
	}

	_, ok := ByName("zstd")
	require.False(t, ok)
}

func TestByID(t *testing.T) {
	t.Parallel()

	for _, id := range []wiremessage.CompressorID{wiremessage.CompressorSnappy, wiremessage.CompressorZLib} {
		comp, ok := ByID(id)
		require.True(t, ok)
		require.Equal(t, id, comp.CompressorID())
	}

	_, ok := ByID(wiremessage.CompressorNoOp)
	require.False(t, ok)
}

func TestSnappyUncompressRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := (&SnappyCompressor{}).UncompressBytes([]byte{0xff, 0xfe, 0xfd}, 16)
	require.Error(t, err)
}
