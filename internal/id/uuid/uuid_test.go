package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsTimeOrderedV7(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)

	parsed, err := goUUID.Parse(first)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.NotEqual(t, first, second)
	require.LessOrEqual(t, first, second)
}

func TestValid(t *testing.T) {
	t.Parallel()

	id, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)
	require.True(t, Valid(id))
	require.False(t, Valid(""))
	require.False(t, Valid("latest"))
	require.False(t, Valid("{"+id+"}"))
	require.False(t, Valid("urn:uuid:"+id))
}
