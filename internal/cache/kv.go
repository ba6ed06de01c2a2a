package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// vectorTTL bounds how long a persisted state vector is trusted. The
// server keeps a limited window of the update log, so a vector older
// than this is more likely to miss than to help.
const vectorTTL = 14 * 24 * time.Hour

type vectorEntry struct {
	Vector     string    `json:"vector"`
	CapturedAt time.Time `json:"capturedAt"`
}

// VectorCache persists the last known server state vector per board in
// a local directory, one JSON file per board.
type VectorCache struct {
	dir string
}

func NewVectorCache(dir string) (*VectorCache, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}

	return &VectorCache{dir: dir}, nil
}

// Get returns the cached vector for the board, or "" when nothing
// usable is stored. Expired and unreadable entries are treated as
// absent.
func (c *VectorCache) Get(boardID string) string {
	data, err := os.ReadFile(c.path(boardID))
	if err != nil {
		return ""
	}

	var entry vectorEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return ""
	}

	if time.Since(entry.CapturedAt) > vectorTTL {
		return ""
	}

	return entry.Vector
}

func (c *VectorCache) Put(boardID, vector string) error {
	entry := vectorEntry{
		Vector:     vector,
		CapturedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path(boardID), data, 0o644)
}

func (c *VectorCache) Invalidate(boardID string) error {
	err := os.Remove(c.path(boardID))
	if os.IsNotExist(err) {
		return nil
	}

	return err
}

func (c *VectorCache) path(boardID string) string {
	return filepath.Join(c.dir, boardID+".json")
}
