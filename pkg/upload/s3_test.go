package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10printhello/trim-telemetry/pkg/config"
)

// fakeS3 is a path-style S3 endpoint that keeps objects in memory.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3(t *testing.T, bucket string) (*fakeS3, *httptest.Server) {
	t.Helper()

	f := &fakeS3{
		bucket:  bucket,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path != f.bucket && !strings.HasPrefix(path, f.bucket+"/") {
		http.Error(w, "no such bucket", http.StatusNotFound)

		return
	}

	key := strings.TrimPrefix(strings.TrimPrefix(path, f.bucket), "/")

	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")

		keys := make([]string, 0, len(f.objects))
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}

		sort.Strings(keys)

		var b strings.Builder

		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount>", f.bucket, prefix, len(keys))
		b.WriteString("<MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>")

		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}

		b.WriteString("</ListBucketResult>")

		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)

			return
		}

		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(key string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.objects[key]

	return b, f.types[key], ok
}

func testConfig(endpoint string) *config.S3UploadConfig {
	return &config.S3UploadConfig{
		Enabled:         true,
		EndpointURL:     endpoint,
		Region:          "us-east-1",
		Bucket:          "telemetry",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
		Prefix:          "ci/",
		Concurrency:     2,
	}
}

func TestS3Uploader_UploadRun(t *testing.T) {
	fake, srv := newFakeS3(t, "telemetry")
	log, _ := test.NewNullLogger()

	dir := t.TempDir()
	stream := filepath.Join(dir, "trimtel.ndjson")
	require.NoError(t, os.WriteFile(stream, []byte(`{"type":"test_result"}`+"\n"), 0o644))

	events := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(events, []byte(`[]`), 0o644))

	cfg := testConfig(srv.URL)

	u, err := NewS3Uploader(log, cfg)
	require.NoError(t, err)
	require.NoError(t, u.Preflight(context.Background()))

	keys, err := u.UploadRun(context.Background(), "run_1", []string{stream, events})
	require.NoError(t, err)
	assert.Equal(t, []string{"ci/run_1/trimtel.ndjson", "ci/run_1/events.json"}, keys)

	body, ct, ok := fake.object("ci/run_1/trimtel.ndjson")
	require.True(t, ok)
	assert.Equal(t, `{"type":"test_result"}`+"\n", string(body))
	assert.Equal(t, "application/x-ndjson", ct)

	_, _, ok = fake.object(".trimtel-write-test")
	assert.True(t, ok)

	r := NewS3Reader(log, cfg)

	listed, err := r.ListRunKeys(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ci/run_1/events.json", "ci/run_1/trimtel.ndjson"}, listed)

	rc, err := r.Open(context.Background(), "ci/run_1/trimtel.ndjson")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, got)

	_, err = r.Open(context.Background(), "ci/run_1/missing.ndjson")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Uploader_MissingFile(t *testing.T) {
	_, srv := newFakeS3(t, "telemetry")
	log, _ := test.NewNullLogger()

	u, err := NewS3Uploader(log, testConfig(srv.URL))
	require.NoError(t, err)

	_, err = u.UploadRun(context.Background(), "run_1", []string{"/nonexistent/trimtel.ndjson"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening file")
}

func TestS3Uploader_KeyCollision(t *testing.T) {
	fake, srv := newFakeS3(t, "telemetry")
	log, _ := test.NewNullLogger()

	u, err := NewS3Uploader(log, testConfig(srv.URL))
	require.NoError(t, err)

	_, err = u.UploadRun(context.Background(), "run_1", []string{"a/trimtel.ndjson", "b/trimtel.ndjson"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same key")

	fake.mu.Lock()
	defer fake.mu.Unlock()

	assert.Empty(t, fake.objects)
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	log, _ := test.NewNullLogger()

	_, err := NewS3Uploader(log, &config.S3UploadConfig{})
	require.Error(t, err)
}

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		runID  string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			runID:  "run_20240101_000000_01HQ",
			want:   "telemetry/runs/run_20240101_000000_01HQ",
		},
		{
			name:   "custom prefix",
			prefix: "my-project/ci",
			runID:  "run_1",
			want:   "my-project/ci/run_1",
		},
		{
			name:   "trailing slash stripped",
			prefix: "my-prefix/",
			runID:  "run123",
			want:   "my-prefix/run123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.resolvePrefix(tt.runID))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "ndjson stream",
			path:       "out/trimtel.ndjson",
			wantPrefix: "application/x-ndjson",
		},
		{
			name:       "json file",
			path:       "out/summary.json",
			wantPrefix: "application/json",
		},
		{
			name:       "no extension",
			path:       "out/Makefile",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "txt file",
			path:       "out/notes.txt",
			wantPrefix: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}
