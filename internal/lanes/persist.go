package lanes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// snapshotFile stores per-session lane configs that differ from the
// gateway defaults, so they survive restarts.
type snapshotFile struct {
	path string
}

type snapshotDoc struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Lanes     []snapshotLane `json:"lanes"`
}

type snapshotLane struct {
	SessionID         string `json:"sessionId"`
	Mode              string `json:"mode"`
	Cap               int    `json:"cap"`
	DropPolicy        string `json:"dropPolicy"`
	CollectDebounceMs int    `json:"collectDebounceMs"`
}

func (s *snapshotFile) load() (map[string]Policy, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lane snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lane snapshot %s: %w", s.path, err)
	}
	configs := make(map[string]Policy, len(doc.Lanes))
	for _, l := range doc.Lanes {
		configs[l.SessionID] = Policy{
			Mode:            Mode(l.Mode),
			Cap:             l.Cap,
			DropPolicy:      DropPolicy(l.DropPolicy),
			CollectDebounce: time.Duration(l.CollectDebounceMs) * time.Millisecond,
		}
	}
	return configs, nil
}

func (s *snapshotFile) save(configs map[string]Policy) error {
	doc := snapshotDoc{Version: 1, UpdatedAt: time.Now().UTC(), Lanes: []snapshotLane{}}
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := configs[id]
		doc.Lanes = append(doc.Lanes, snapshotLane{
			SessionID:         id,
			Mode:              string(p.Mode),
			Cap:               p.Cap,
			DropPolicy:        string(p.DropPolicy),
			CollectDebounceMs: int(p.CollectDebounce / time.Millisecond),
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
