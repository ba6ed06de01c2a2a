package cache

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVectorCache_RoundTrip(t *testing.T) {
	c, err := NewVectorCache(t.TempDir())
	assert.NoError(t, err)

	assert.Equal(t, "", c.Get("b1"))

	assert.NoError(t, c.Put("b1", "vec-1"))
	assert.Equal(t, "vec-1", c.Get("b1"))

	assert.NoError(t, c.Put("b1", "vec-2"))
	assert.Equal(t, "vec-2", c.Get("b1"))

	assert.NoError(t, c.Invalidate("b1"))
	assert.Equal(t, "", c.Get("b1"))

	// invalidating twice is fine
	assert.NoError(t, c.Invalidate("b1"))
}

func TestVectorCache_ExpiredEntryIsAbsent(t *testing.T) {
	dir := t.TempDir()
	c, err := NewVectorCache(dir)
	assert.NoError(t, err)

	entry := vectorEntry{
		Vector:     "old",
		CapturedAt: time.Now().Add(-vectorTTL - time.Hour),
	}
	data, err := json.Marshal(entry)
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(c.path("b1"), data, 0o644))

	assert.Equal(t, "", c.Get("b1"))
}

func TestVectorCache_UnreadableEntryIsAbsent(t *testing.T) {
	c, err := NewVectorCache(t.TempDir())
	assert.NoError(t, err)

	assert.NoError(t, os.WriteFile(c.path("b1"), []byte("not json"), 0o644))
	assert.Equal(t, "", c.Get("b1"))
}
