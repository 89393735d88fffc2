package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(n byte) []byte { return []byte{n} }

func TestRingSnapshotOrderBeforeWrap(t *testing.T) {
	r := newRing(3)
	r.push(frame(1))
	r.push(frame(2))

	got := r.snapshot()
	assert.Equal(t, [][]byte{frame(1), frame(2)}, got)
	assert.Equal(t, 2, r.Len())
}

func TestRingOverwritesOldestOnWrap(t *testing.T) {
	r := newRing(3)
	r.push(frame(1))
	r.push(frame(2))
	r.push(frame(3))
	r.push(frame(4)) // overwrites frame(1)

	got := r.snapshot()
	assert.Equal(t, [][]byte{frame(2), frame(3), frame(4)}, got)
	assert.Equal(t, 3, r.Len())
}

func TestRingZeroCapacityHoldsNothing(t *testing.T) {
	r := newRing(0)
	r.push(frame(1))
	assert.Nil(t, r.snapshot())
	assert.Equal(t, 0, r.Len())
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := newRing(5)
	for i := byte(0); i < 50; i++ {
		r.push(frame(i))
	}
	assert.LessOrEqual(t, r.Len(), 5)
	assert.Equal(t, 5, r.Len())
}
