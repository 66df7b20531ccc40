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

// Package local provides an in-process Transport implementation for
// single-binary deployments (TRANSPORT_TYPE=local): a mutex-protected
// entry log with consumer-group pending sets and notification channels
// so blocked readers wake on append.
package local

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/stream"
)

// Transport is an in-memory, in-process Transport. Safe for concurrent
// use by multiple goroutines within the same process; it does not
// persist across restarts.
type Transport struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	entries []stream.Entry
	nextID  int64
	groups  map[string]*groupState
	// waiters are notified (closed channel swapped for a fresh one) after
	// every append, so blocked ReadGroup calls can re-check.
	waiters chan struct{}
}

type groupState struct {
	// delivered is the highest entry id handed to this group's
	// consumers. It is an id, not a position: Delete compacts the entry
	// slice, so a positional cursor would silently skip live entries for
	// any group lagging behind the deleted range.
	delivered int64
	pending   map[string]string
}

// New creates an empty in-memory transport.
func New() *Transport {
	return &Transport{streams: make(map[string]*streamState)}
}

func (t *Transport) stream(name string, create bool) (*streamState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[name]
	if !ok {
		if !create {
			return nil, false
		}
		s = &streamState{groups: make(map[string]*groupState), waiters: make(chan struct{})}
		t.streams[name] = s
	}
	return s, true
}

// GroupCreate implements stream.Transport.
func (t *Transport) GroupCreate(_ context.Context, streamName, group, _ string, opts stream.GroupCreateOptions) error {
	s, ok := t.stream(streamName, opts.MakeStream)
	if !ok {
		return fmt.Errorf("stream: stream %q does not exist and make_stream is false", streamName)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := s.groups[group]; exists {
		return stream.ErrGroupAlreadyExists
	}
	s.groups[group] = &groupState{pending: make(map[string]string)}
	return nil
}

// ReadGroup implements stream.Transport, blocking up to opts.BlockMS for
// new entries.
func (t *Transport) ReadGroup(ctx context.Context, group, consumer string, opts stream.ReadGroupOptions) ([]stream.Entry, error) {
	deadline := time.Now().Add(time.Duration(opts.BlockMS) * time.Millisecond)
	for {
		entries, waitCh, err := t.tryRead(opts.Stream, group, consumer, opts.Count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || opts.BlockMS <= 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-waitCh:
			timer.Stop()
		}
	}
}

func (t *Transport) tryRead(streamName, group, consumer string, count int) ([]stream.Entry, chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamName]
	if !ok {
		return nil, nil, fmt.Errorf("stream: stream %q does not exist", streamName)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("stream: group %q does not exist on stream %q", group, streamName)
	}

	if count <= 0 {
		count = 1
	}
	var out []stream.Entry
	for _, e := range s.entries {
		id := parseID(e.ID)
		if id <= g.delivered {
			continue
		}
		g.delivered = id
		g.pending[e.ID] = consumer
		out = append(out, e)
		if len(out) >= count {
			break
		}
	}
	return out, s.waiters, nil
}

// Ack implements stream.Transport.
func (t *Transport) Ack(_ context.Context, streamName, group, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamName]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return nil
}

// Append implements stream.Transport.
func (t *Transport) Append(_ context.Context, streamName string, fields map[string]string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamName]
	if !ok {
		s = &streamState{groups: make(map[string]*groupState), waiters: make(chan struct{})}
		t.streams[streamName] = s
	}
	s.nextID++
	id := formatID(s.nextID)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, stream.Entry{ID: id, Fields: cp})

	close(s.waiters)
	s.waiters = make(chan struct{})
	return id, nil
}

// Range implements stream.Transport.
func (t *Transport) Range(_ context.Context, streamName, start, end string) ([]stream.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamName]
	if !ok {
		return nil, nil
	}
	lo, hi := rangeBounds(start, end)
	var out []stream.Entry
	for _, e := range s.entries {
		n := parseID(e.ID)
		if n >= lo && n <= hi {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return parseID(out[i].ID) < parseID(out[j].ID) })
	return out, nil
}

// Delete implements stream.Transport.
func (t *Transport) Delete(_ context.Context, streamName string, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamName]
	if !ok {
		return nil
	}
	toDelete := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !toDelete[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// Close implements stream.Transport; the in-memory transport holds no
// external resources.
func (t *Transport) Close() error { return nil }

func formatID(n int64) string {
	return fmt.Sprintf("%020d", n)
}

func parseID(id string) int64 {
	var n int64
	fmt.Sscanf(id, "%d", &n)
	return n
}

func rangeBounds(start, end string) (int64, int64) {
	lo := int64(0)
	hi := int64(1<<62 - 1)
	if start != stream.RangeStart {
		lo = parseID(start)
	}
	if end != stream.RangeEnd {
		hi = parseID(end)
	}
	return lo, hi
}
