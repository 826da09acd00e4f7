package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessTrackerOldestFirst(t *testing.T) {
	tr := NewAccessTracker()
	tr.Touch("/a")
	tr.Touch("/b")
	tr.Touch("/c")
	tr.Touch("/a") // re-touch moves /a to the front

	assert.Equal(t, []string{"/b", "/c", "/a"}, tr.OldestFirst())
}

func TestAccessTrackerForget(t *testing.T) {
	tr := NewAccessTracker()
	tr.Touch("/a")
	tr.Touch("/b")
	tr.Forget("/a")

	assert.Equal(t, []string{"/b"}, tr.OldestFirst())
	assert.Equal(t, 1, tr.Len())

	tr.Forget("/does-not-exist")
	assert.Equal(t, 1, tr.Len())
}
