// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides rchat's standard CBOR encoding configuration.
//
// rchat uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the GitHub REST API behind the
//     rendezvous directory, data URLs handed to the UI webview, and
//     CLI output.
//   - CBOR for everything the node itself speaks: wire frames on the
//     peer protocols, the vault's secret bundle, signed presence
//     records, sealed invite offers, and the UI command socket.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every rchat package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which matters wherever bytes are signed or hashed (presence
// records, invite offers).
//
// For buffer-oriented operations (vault record, invite payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (command socket, protocol streams):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. Examples:
//     wire frame payloads, the vault secret bundle, presence records.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor` tags
//     are absent, so a single `json` tag controls field naming and
//     omitempty for both formats. Examples: command socket payloads
//     (which the UI consumes), event payloads, theme configuration.
//
// Never use both `cbor` and `json` tags on the same field.
package codec
