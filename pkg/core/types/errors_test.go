package types

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("DimensionMismatch", func(t *testing.T) {
		var err error = &DimensionMismatchError{Expected: 3, Actual: 4}
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		assert.NotErrorIs(t, err, ErrInvalidParameter)
		assert.Contains(t, err.Error(), "expected 3, got 4")
	})

	t.Run("IDError", func(t *testing.T) {
		var err error = &IDError{Op: "insert", ID: 7, Kind: ErrDuplicateID}
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("EmptyVectorIsInvalidParameter", func(t *testing.T) {
		assert.ErrorIs(t, ErrEmptyVector, ErrInvalidParameter)
	})

	t.Run("IOErrorKeepsCause", func(t *testing.T) {
		err := IOError("flush", fs.ErrPermission)
		assert.ErrorIs(t, err, ErrIO)
		assert.True(t, errors.Is(err, fs.ErrPermission))
		assert.Nil(t, IOError("noop", nil))
	})

	t.Run("Corrupted", func(t *testing.T) {
		assert.ErrorIs(t, Corruptedf("bad magic %x", 1), ErrCorruptedIndexFile)
	})
}

func TestCandidateLess(t *testing.T) {
	a := Candidate{Id: 2, Distance: 1}
	b := Candidate{Id: 1, Distance: 1}
	c := Candidate{Id: 0, Distance: 2}
	assert.True(t, b.Less(a))
	assert.False(t, a.Less(b))
	assert.True(t, a.Less(c))
}
