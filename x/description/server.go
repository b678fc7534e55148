// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "github.com/fuzed-innovations/MongoKitten/x/address"

// Defaults used before the handshake reply has been observed.
const (
	DefaultMaxDocumentSize   uint32 = 16777216
	DefaultMaxMessageSize    uint32 = 48000000
	DefaultMaxBatchSize      uint32 = 100000
	DefaultSessionTimeoutMin uint32 = 30
)

// VersionRange represents a range of wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// Server represents a description of a server gathered from the isMaster
// handshake.
type Server struct {
	Addr address.Address

	Compression           []string
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	SessionTimeoutMinutes uint32
	WireVersion           VersionRange
}

// SupportsOpMsg returns true when the server is recent enough for OP_MSG to
// be used instead of the legacy OP_QUERY/OP_REPLY pair.
func (s Server) SupportsOpMsg() bool {
	return s.WireVersion.Max >= 6
}

// SessionsSupported returns true of the server supports logical sessions.
func (s Server) SessionsSupported() bool {
	return s.WireVersion.Max >= 6 && s.SessionTimeoutMinutes != 0
}
