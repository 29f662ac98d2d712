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
	payload := []byte("PK-zip")
	uri, err := store.PutObject(context.Background(), "exports/job.zip", "application/zip", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://exports/job.zip", uri)

	payload[0] = 'X'
	obj, ok := store.Get("exports/job.zip")
	require.True(t, ok)
	require.Equal(t, "PK-zip", string(obj.Data))
	require.Equal(t, "application/zip", obj.ContentType)

	obj.Data[0] = 'Y'
	again, _ := store.Get("exports/job.zip")
	require.Equal(t, "PK-zip", string(again.Data))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
