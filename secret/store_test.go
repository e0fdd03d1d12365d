package secret

import (
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestSectionStore(t *testing.T) {
	t.Run("saved values can be read back and deleted", func(t *testing.T) {
		s := NewSectionStore(memory.New())

		assert.NoError(t, s.Save("token", "abc123"))

		v, found := s.Read("token")
		assert.True(t, found)
		assert.Equal(t, "abc123", v)

		assert.NoError(t, s.Delete("token"))

		_, found = s.Read("token")
		assert.False(t, found)
	})

	t.Run("deleting a missing key is not an error", func(t *testing.T) {
		s := NewSectionStore(memory.New())
		assert.NoError(t, s.Delete("missing"))
	})

	t.Run("empty keys are rejected", func(t *testing.T) {
		s := NewSectionStore(memory.New())
		assert.ErrorIs(t, s.Save("", "v"), ErrEmptyKey)
		assert.ErrorIs(t, s.Delete(""), ErrEmptyKey)
	})
}

func TestUserIdentifier(t *testing.T) {
	t.Run("generates an identifier once and returns it on subsequent calls", func(t *testing.T) {
		s := NewSectionStore(memory.New())

		first, err := UserIdentifier(s)
		assert.NoError(t, err)
		assert.NotEmpty(t, first)

		second, err := UserIdentifier(s)
		assert.NoError(t, err)
		assert.Equal(t, first, second)

		stored, _ := s.Read(UserIdentifierKey)
		assert.Equal(t, first, stored)
	})
}
