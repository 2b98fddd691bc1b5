// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous publishes and resolves signed presence records
// through an untrusted HTTPS blob directory, so peers can find each
// other off the local network. The directory never sees plaintext
// beyond what the record itself reveals; every record is verified
// against the claimed PeerID before it is believed.
package rendezvous

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/lib/codec"
)

// Freshness is how old a presence record may be before lookups
// ignore it.
const Freshness = 15 * time.Minute

// PublishInterval is the steady-state cadence of presence publishes.
const PublishInterval = 60 * time.Second

// FastPublishInterval is the cadence while fast discovery is on.
const FastPublishInterval = 15 * time.Second

// PresenceRecord is the payload a node signs and publishes: where it
// can currently be dialed.
type PresenceRecord struct {
	PeerID   string   `cbor:"peer_id"`
	Addrs    []string `cbor:"addrs"`
	IssuedAt int64    `cbor:"issued_at"`
}

// signedRecord is the envelope stored in the directory. Record holds
// the canonical CBOR of the PresenceRecord so the signature survives
// re-encoding by intermediaries.
type signedRecord struct {
	Record    []byte `cbor:"record"`
	Signature []byte `cbor:"sig"`
}

// EncodeRecord signs the node's current addresses and returns the
// base64 blob body the directory stores.
func EncodeRecord(id *identity.Identity, addrs []string, now time.Time) (string, error) {
	record := PresenceRecord{
		PeerID:   id.PeerID().String(),
		Addrs:    addrs,
		IssuedAt: now.Unix(),
	}
	raw, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("rendezvous: encoding presence record: %w", err)
	}
	envelope, err := codec.Marshal(signedRecord{
		Record:    raw,
		Signature: id.Sign(raw),
	})
	if err != nil {
		return "", fmt.Errorf("rendezvous: encoding signed record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// DecodeRecord parses a directory blob, verifies the signature against
// the PeerID the record claims, and rejects records outside the
// freshness window. Records from the future are tolerated up to one
// minute of clock skew.
func DecodeRecord(body string, now time.Time) (PresenceRecord, error) {
	envelope, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("rendezvous: decoding record body: %w", err)
	}
	var signed signedRecord
	if err := codec.Unmarshal(envelope, &signed); err != nil {
		return PresenceRecord{}, fmt.Errorf("rendezvous: decoding signed record: %w", err)
	}
	var record PresenceRecord
	if err := codec.Unmarshal(signed.Record, &record); err != nil {
		return PresenceRecord{}, fmt.Errorf("rendezvous: decoding presence record: %w", err)
	}

	peer, err := identity.ParsePeerID(record.PeerID)
	if err != nil {
		return PresenceRecord{}, err
	}
	if err := identity.Verify(peer, signed.Record, signed.Signature); err != nil {
		return PresenceRecord{}, fmt.Errorf("rendezvous: record signature: %w", err)
	}

	issued := time.Unix(record.IssuedAt, 0)
	if now.Sub(issued) > Freshness {
		return PresenceRecord{}, fmt.Errorf("rendezvous: record for %s issued %s ago is stale",
			record.PeerID, now.Sub(issued).Round(time.Second))
	}
	if issued.Sub(now) > time.Minute {
		return PresenceRecord{}, fmt.Errorf("rendezvous: record for %s issued in the future", record.PeerID)
	}
	return record, nil
}

// TopicMessage is one signed message on a pubsub topic: sealed invite
// offers and answers ride on pairwise topics, presence pings on the
// shared presence topic.
type TopicMessage struct {
	Topic    string `cbor:"topic"`
	Sender   string `cbor:"sender"`
	Payload  []byte `cbor:"payload"`
	IssuedAt int64  `cbor:"issued_at"`
}

type signedTopicMessage struct {
	Message   []byte `cbor:"message"`
	Signature []byte `cbor:"sig"`
}

// EncodeTopicMessage signs a topic payload for publication.
func EncodeTopicMessage(id *identity.Identity, topic string, payload []byte, now time.Time) (string, error) {
	message := TopicMessage{
		Topic:    topic,
		Sender:   id.PeerID().String(),
		Payload:  payload,
		IssuedAt: now.Unix(),
	}
	raw, err := codec.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("rendezvous: encoding topic message: %w", err)
	}
	envelope, err := codec.Marshal(signedTopicMessage{
		Message:   raw,
		Signature: id.Sign(raw),
	})
	if err != nil {
		return "", fmt.Errorf("rendezvous: encoding signed topic message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// DecodeTopicMessage verifies a topic blob. The topic embedded in the
// message must match the topic it was fetched from, so a blob cannot
// be replayed onto a different channel.
func DecodeTopicMessage(body, topic string, now time.Time) (TopicMessage, error) {
	envelope, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return TopicMessage{}, fmt.Errorf("rendezvous: decoding topic body: %w", err)
	}
	var signed signedTopicMessage
	if err := codec.Unmarshal(envelope, &signed); err != nil {
		return TopicMessage{}, fmt.Errorf("rendezvous: decoding signed topic message: %w", err)
	}
	var message TopicMessage
	if err := codec.Unmarshal(signed.Message, &message); err != nil {
		return TopicMessage{}, fmt.Errorf("rendezvous: decoding topic message: %w", err)
	}
	if message.Topic != topic {
		return TopicMessage{}, fmt.Errorf("rendezvous: message names topic %q, fetched from %q", message.Topic, topic)
	}

	sender, err := identity.ParsePeerID(message.Sender)
	if err != nil {
		return TopicMessage{}, err
	}
	if err := identity.Verify(sender, signed.Message, signed.Signature); err != nil {
		return TopicMessage{}, fmt.Errorf("rendezvous: topic message signature: %w", err)
	}
	if now.Sub(time.Unix(message.IssuedAt, 0)) > Freshness {
		return TopicMessage{}, fmt.Errorf("rendezvous: topic message from %s is stale", message.Sender)
	}
	return message, nil
}

// PairTopic names the invitation channel for two peers. Both sides
// compute the same name regardless of who calls.
func PairTopic(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "invite/" + a + "," + b
}
