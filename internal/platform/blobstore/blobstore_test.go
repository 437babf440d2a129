package blobstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	obj, err := s.Put(ctx, "c/1/paper.txt", strings.NewReader("hello"), -1, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "text/plain", obj.ContentType)

	data, err := s.Get("c/1/paper.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "c/1/paper.txt"))
	_, err = s.Get("c/1/paper.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewMinioStore_Config(t *testing.T) {
	_, err := NewMinioStore(Config{Bucket: "b"})
	assert.Error(t, err)

	_, err = NewMinioStore(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := NewMinioStore(Config{Endpoint: "https://minio.example.org", AccessKey: "a", SecretKey: "b", Bucket: "bitstreams"})
	require.NoError(t, err)
	assert.Equal(t, "bitstreams", s.bucket)
	assert.Equal(t, "https", s.client.EndpointURL().Scheme)
}
