package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	bs, err := New(client, Config{Bucket: "archive", Prefix: "/raw/"})
	require.NoError(t, err)
	assert.Equal(t, "raw/news/batch.json", bs.objectName("news/batch.json"))

	bare, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	assert.Equal(t, "news/batch.json", bare.objectName("news/batch.json"))

	_, err = bs.PutObject(context.Background(), " ", "application/json", nil)
	require.Error(t, err)
}
