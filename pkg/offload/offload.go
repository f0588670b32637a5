// Package offload keeps large intermediate collections out of the run-state
// database. Payloads whose serialized form exceeds a threshold are stashed
// in the artifact store and replaced by a reference envelope; resolution is
// symmetric and transparent, so callers round-trip values without knowing
// where they lived.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/parcelsat/parcelsat/pkg/paths"
	"github.com/parcelsat/parcelsat/pkg/storage"
)

// DefaultThresholdBytes is the serialized size above which payloads move to
// the artifact store.
const DefaultThresholdBytes = 48 * 1024

// Envelope is the persisted form of a possibly-offloaded payload. Exactly
// one of Inline or Key is populated.
type Envelope struct {
	// Offloaded reports whether the payload lives in the artifact store.
	Offloaded bool `json:"offloaded"`

	// Key is the artifact store path of the offloaded payload.
	Key string `json:"key,omitempty"`

	// Inline holds the payload when it fit under the threshold.
	Inline json.RawMessage `json:"inline,omitempty"`

	// SizeBytes is the serialized payload size.
	SizeBytes int64 `json:"size_bytes"`
}

// Manager stashes and resolves payloads against an artifact store.
type Manager struct {
	store     storage.Store
	threshold int

	// OnOffload, when set, is notified with the stashed size. Used to feed
	// metrics without coupling this package to telemetry.
	OnOffload func(sizeBytes int64)
}

// NewManager creates a manager with the given threshold. A threshold of
// zero or less uses the default.
func NewManager(store storage.Store, thresholdBytes int) *Manager {
	if thresholdBytes <= 0 {
		thresholdBytes = DefaultThresholdBytes
	}
	return &Manager{store: store, threshold: thresholdBytes}
}

// Stash serializes value and returns its envelope. Payloads over the
// threshold are written to the artifact store under a key deterministic in
// (runID, name), so re-running the same input overwrites rather than
// accumulates.
func (m *Manager) Stash(ctx context.Context, runID, name string, value any) (Envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize payload %s: %w", name, err)
	}

	if len(data) <= m.threshold {
		return Envelope{Inline: data, SizeBytes: int64(len(data))}, nil
	}

	key := paths.Payload(runID, name)
	if _, err := m.store.Write(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return Envelope{}, fmt.Errorf("offload payload %s: %w", name, err)
	}
	if m.OnOffload != nil {
		m.OnOffload(int64(len(data)))
	}

	return Envelope{Offloaded: true, Key: key, SizeBytes: int64(len(data))}, nil
}

// Resolve deserializes the envelope's payload into out, fetching it from
// the artifact store when it was offloaded.
func (m *Manager) Resolve(ctx context.Context, env Envelope, out any) error {
	data := []byte(env.Inline)
	if env.Offloaded {
		rc, err := m.store.Open(ctx, env.Key)
		if err != nil {
			return fmt.Errorf("fetch offloaded payload %s: %w", env.Key, err)
		}
		defer rc.Close()

		data, err = io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read offloaded payload %s: %w", env.Key, err)
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("deserialize payload: %w", err)
	}
	return nil
}
