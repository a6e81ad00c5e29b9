package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceIsDeterministic(t *testing.T) {
	seq := NewSequence("chat")
	assert.Equal(t, "chat-1", seq.NewID())
	assert.Equal(t, "chat-2", seq.NewID())
}

func TestUUIDProducesParsableIDs(t *testing.T) {
	id := UUID{}.NewID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, UUID{}.NewID())
}
