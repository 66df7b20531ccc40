// Copyright 2025 The Maestro Authors
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

// Package stream defines the pluggable append-only stream transport (C1)
// that every other component communicates over: a request stream carries
// Persona Request Envelopes, an event stream carries Persona Response
// Envelopes, both with per-key consumer-group semantics modeled on Redis
// Streams' XADD/XREADGROUP/XACK/XRANGE/XDEL family.
package stream

import (
	"context"
	"errors"
)

// NewEntries is the sentinel id meaning "only entries not yet delivered
// to this group" in ReadGroup, mirroring Redis Streams' ">". AutoID
// mirrors Redis Streams' "*"; Append takes no id and always assigns the
// next monotonic id itself.
const (
	NewEntries = ">"
	AutoID     = "*"

	// RangeStart and RangeEnd are the sentinel bounds for Range, mirroring
	// Redis Streams' "-" and "+".
	RangeStart = "-"
	RangeEnd   = "+"
)

// ErrGroupAlreadyExists is returned by GroupCreate when the group already
// exists. Callers (the Persona Dispatcher) treat it as benign.
var ErrGroupAlreadyExists = errors.New("stream: consumer group already exists")

// Entry is one record on a stream: a transport-assigned monotonic id and
// a flat string-valued field map (request/event envelopes are string-only
// on the wire).
type Entry struct {
	ID     string
	Fields map[string]string
}

// GroupCreateOptions configures GroupCreate.
type GroupCreateOptions struct {
	// MakeStream creates the stream if it does not exist yet, instead of
	// erroring.
	MakeStream bool
}

// ReadGroupOptions configures ReadGroup.
type ReadGroupOptions struct {
	Stream string
	// ID is normally NewEntries. It is kept for parity with the
	// XREADGROUP shape; the local and sqlite transports ignore it and
	// always return entries not yet delivered to the group.
	ID string
	// BlockMS is how long to block waiting for new entries when none are
	// immediately available; 0 means return immediately.
	BlockMS int
	// Count caps the number of entries returned; a value of 0 or less
	// returns at most one entry.
	Count int
}

// Transport is the append-only, consumer-group stream abstraction every
// other component is built on. Implementations must
// be safe for concurrent use: multiple dispatcher loops read distinct
// groups off the same stream concurrently, and appends race with reads.
type Transport interface {
	// GroupCreate ensures a consumer group named group exists on stream.
	// The local and sqlite transports ignore startID: a new group's
	// delivery starts at the beginning of the stream, so entries appended
	// before the group was created are delivered too. Returns
	// ErrGroupAlreadyExists if the group exists; this is idempotent and
	// benign for callers.
	GroupCreate(ctx context.Context, streamName, group, startID string, opts GroupCreateOptions) error

	// ReadGroup reads up to opts.Count entries not yet delivered to group
	// (reclaim/redelivery of another consumer's pending entries is out of
	// scope),
	// blocking up to opts.BlockMS waiting for new entries. Returns an
	// empty, nil-error slice on timeout.
	ReadGroup(ctx context.Context, group, consumer string, opts ReadGroupOptions) ([]Entry, error)

	// Ack removes id from group's pending set. Idempotent: acking an
	// already-acked or unknown id is not an error.
	Ack(ctx context.Context, streamName, group, id string) error

	// Append adds fields as a new entry on streamName and returns the
	// transport-assigned monotonic id.
	Append(ctx context.Context, streamName string, fields map[string]string) (string, error)

	// Range returns entries on streamName with id in [start, end]
	// (RangeStart/RangeEnd for open bounds), in append order. Used by the
	// Abort Path to enumerate a workflow's outstanding request entries.
	Range(ctx context.Context, streamName, start, end string) ([]Entry, error)

	// Delete removes entries by id from streamName entirely (XDEL). Used
	// by the Abort Path after pending entries have been acked to every
	// interested group.
	Delete(ctx context.Context, streamName string, ids ...string) error

	// Close releases any resources (database handles, etc).
	Close() error
}
