package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("%PDF-1.7 body")
	uri, err := store.PutObject(context.Background(), "pdfs/FSD1.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pdfs/FSD1.pdf", uri)

	payload[0] = 'X'
	got, ok := store.Get("pdfs/FSD1.pdf")
	require.True(t, ok)
	require.Equal(t, "%PDF-1.7 body", string(got))

	exists, err := store.Exists(context.Background(), "pdfs/FSD1.pdf")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = store.Exists(context.Background(), "pdfs/missing.pdf")
	require.NoError(t, err)
	require.False(t, exists)
}
