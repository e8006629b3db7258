package controller

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
)

// command is the raft log entry payload: one proposed Event, JSON
// encoded so the FSM doesn't couple to any particular transport's wire
// format.
type command struct {
	Event Event
}

// fsmResponse is handed back through the ApplyFuture, matching the
// teacher's Response{Error} shape in cluster/store.
type fsmResponse struct {
	Error error
}

// Apply is invoked once a log entry is committed. It indexes the new
// event by (store version, event type) so LatestEvent resolves
// without replaying the whole log.
func (c *RaftController) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return fsmResponse{}
	}

	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		c.log.WithError(err).Error("decode controller command")
		return fsmResponse{Error: err}
	}

	c.mu.Lock()
	key := cmd.Event.versionKey()
	if c.state[key] == nil {
		c.state[key] = make(map[EventType]Event)
	}
	c.state[key][cmd.Event.Type] = cmd.Event
	c.mu.Unlock()

	return fsmResponse{}
}

// fsmSnapshot is an immutable copy of controller state taken at
// Snapshot time, persisted independently of further Apply calls.
type fsmSnapshot struct {
	State map[string]map[EventType]Event
}

func (c *RaftController) Snapshot() (raft.FSMSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := make(map[string]map[EventType]Event, len(c.state))
	for key, events := range c.state {
		inner := make(map[EventType]Event, len(events))
		for et, e := range events {
			inner[et] = e
		}
		copied[key] = inner
	}
	return &fsmSnapshot{State: copied}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.State); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Restore discards all current state and replaces it with the
// snapshot's contents; raft guarantees this is never called
// concurrently with Apply.
func (c *RaftController) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state map[string]map[EventType]Event
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

var _ raft.FSM = &RaftController{}
