package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "b", prefix: "exports"}
	require.Equal(t, "exports/job-1/abc.csv", s.ObjectName("/job-1/abc.csv"))
	s.prefix = ""
	require.Equal(t, "job-1/abc.csv", s.ObjectName("job-1/abc.csv"))
}

func TestPutObjectUploadsBody(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body []byte
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err == nil {
			mu.Lock()
			body = append(body, data...)
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"bucket":"ads-bucket","name":"exports/job-1/abc.csv"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "ads-bucket", Prefix: "exports/"})

	payload := "library_id,company\n111,Acme\n"
	uri, err := store.PutObject(context.Background(), "job-1/abc.csv", "text/csv", bytes.NewBufferString(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://ads-bucket/exports/job-1/abc.csv", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, string(body), payload)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "ads-bucket"})

	_, err := store.PutObject(context.Background(), "job-1/abc.csv", "text/csv", bytes.NewBufferString("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/csv", bytes.NewBufferString("x"))
	require.ErrorContains(t, err, "path is required")
}
