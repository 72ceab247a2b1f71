package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"unitcore/internal/blob/core"
	"unitcore/pkg/domain"
)

// SnapshotVersion is written into every exported snapshot.
const SnapshotVersion = 1

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Version    int                                                           `json:"version"`
	Attributes map[domain.AttributeType]map[string]domain.AttributeCreate `json:"attributes"`
	References map[string]domain.AttributeReference                        `json:"references"`
	Units      map[string]domain.UnitRecord                                `json:"units"`
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state.clone()
	return Snapshot{
		Version:    SnapshotVersion,
		Attributes: st.attributes,
		References: st.references,
		Units:      st.units,
	}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	state := memoryState{
		attributes: snapshot.Attributes,
		references: snapshot.References,
		units:      snapshot.Units,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = migrateState(state).clone()
}

// migrateState fills missing buckets and drops entries that no longer parse
// against the closed attribute type set.
func migrateState(state memoryState) memoryState {
	out := newMemoryState()
	for t, bucket := range state.attributes {
		if !t.Valid() {
			continue
		}
		for id, rec := range bucket {
			if rec.Type() != t {
				continue
			}
			out.attributes[t][id] = rec
		}
	}
	for id, ref := range state.references {
		if !ref.Type.Valid() {
			continue
		}
		ref.ID = id
		out.references[id] = ref
	}
	for id, u := range state.units {
		u.ID = id
		if u.AttributeIDs == nil {
			u.AttributeIDs = []string{}
		}
		if u.ChildIDs == nil {
			u.ChildIDs = []string{}
		}
		if u.Version < 1 {
			u.Version = 1
		}
		out.units[id] = u
	}
	return out
}

// SaveSnapshot serializes the store state to key in the blob store.
func (s *Store) SaveSnapshot(ctx context.Context, blobs core.Store, key string) (core.Info, error) {
	payload, err := json.Marshal(s.ExportState())
	if err != nil {
		return core.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	info, err := blobs.Put(ctx, key, bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"snapshot-version": fmt.Sprint(SnapshotVersion)},
	})
	if err != nil {
		return core.Info{}, fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return info, nil
}

// LoadSnapshot replaces the store state with the snapshot stored at key. It
// reports false without touching the state when no snapshot exists.
func (s *Store) LoadSnapshot(ctx context.Context, blobs core.Store, key string) (bool, error) {
	_, body, err := blobs.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()
	raw, err := io.ReadAll(body)
	if err != nil {
		return false, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if snapshot.Version > SnapshotVersion {
		return false, fmt.Errorf("snapshot %s has unsupported version %d", key, snapshot.Version)
	}
	s.ImportState(snapshot)
	return true, nil
}
