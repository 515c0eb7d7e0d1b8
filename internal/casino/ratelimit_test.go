package casino

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PruneDropsRefilledBuckets(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"))
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 0, l.Prune(), "no bucket is full yet")

	now = now.Add(time.Second)
	assert.Equal(t, 1, l.Prune(), "bob refilled, alice still owes a token")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	now = now.Add(time.Minute)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 0, l.Len())

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}
