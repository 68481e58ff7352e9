package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelmux/pkg/model"
)

// snapshotVersion is bumped when the snapshot layout changes.
const snapshotVersion = 1

// Snapshot is the on-disk registry state. It is rebuildable: entries are
// descriptors, not weights, and loaders re-materialize the models.
type Snapshot struct {
	Version int                   `json:"version"`
	Models  []model.SnapshotEntry `json:"models"`
}

// SaveSnapshot persists the current model set to the configured snapshot
// path. The file is replaced atomically (write-temp, rename) so readers
// never observe a partial snapshot.
func (r *Registry) SaveSnapshot() error {
	if r.cfg.SnapshotPath == "" {
		return fmt.Errorf("snapshot path not configured")
	}

	r.mu.RLock()
	snap := Snapshot{Version: snapshotVersion}
	for _, ids := range r.byFormat {
		for _, id := range ids {
			m := r.models[id]
			info := m.Info()
			snap.Models = append(snap.Models, model.SnapshotEntry{
				ID:           info.ID,
				Name:         info.Name,
				Format:       info.Format,
				Source:       info.Source,
				Loaded:       m.State() == model.StateLoaded,
				Capabilities: info.Capabilities,
				Parameters:   info.Parameters,
			})
		}
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(r.cfg.SnapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.cfg.SnapshotPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	r.logger.Info("registry snapshot saved",
		"path", r.cfg.SnapshotPath,
		"models", len(snap.Models),
	)
	return nil
}

// LoadSnapshot rebuilds models from the snapshot file through the registered
// loaders. Entries with no matching loader are skipped with a warning, not
// an error. Entries whose Loaded hint is set are loaded eagerly, best-effort.
func (r *Registry) LoadSnapshot(ctx context.Context) error {
	if r.cfg.SnapshotPath == "" {
		return fmt.Errorf("snapshot path not configured")
	}

	data, err := os.ReadFile(r.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	for _, entry := range snap.Models {
		loader, ok := r.LoaderFor(entry.Format)
		if !ok {
			r.logger.Warn("skipping snapshot entry with no loader",
				"model_id", entry.ID,
				"format", string(entry.Format),
			)
			continue
		}

		m, err := loader.FromSnapshot(ctx, entry)
		if err != nil {
			r.logger.Warn("skipping snapshot entry",
				"model_id", entry.ID,
				"error", err,
			)
			continue
		}
		if err := r.Register(m); err != nil {
			r.logger.Warn("skipping snapshot entry", "model_id", entry.ID, "error", err)
			continue
		}

		if entry.Loaded {
			if err := m.Load(ctx); err != nil {
				r.logger.Warn("eager load from snapshot failed",
					"model_id", entry.ID,
					"error", err,
				)
			}
		}
	}

	return nil
}
