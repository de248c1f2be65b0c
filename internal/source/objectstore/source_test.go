package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Bucket: "b"}, newTestLogger())
	assert.Error(t, err)

	_, err = New(Options{Endpoint: "localhost:9000"}, newTestLogger())
	assert.Error(t, err)

	src, err := New(Options{Endpoint: "localhost:9000", Bucket: "b", Prefix: "/exports/"}, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "exports/", src.prefix)
}

func TestContainerFromKey(t *testing.T) {
	c, ok := containerFromKey("exports/", "exports/family/")
	require.True(t, ok)
	assert.Equal(t, domain.Container{ID: "family", Name: "family"}, c)

	_, ok = containerFromKey("exports/", "exports/readme.txt")
	assert.False(t, ok, "plain objects at the top level are not containers")

	_, ok = containerFromKey("", "/")
	assert.False(t, ok)
}

func TestItemFromObject(t *testing.T) {
	modified := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	obj := minio.ObjectInfo{
		Key:          "exports/family/2022/img.jpg",
		Size:         1024,
		LastModified: modified,
		ContentType:  "image/jpeg",
	}

	item := itemFromObject(domain.Container{ID: "family", Name: "family"}, "exports/family/", obj)

	assert.Equal(t, "2022/img.jpg", item.ID)
	assert.Equal(t, "img.jpg", item.Name)
	assert.Equal(t, "family", item.ContainerID)
	assert.Equal(t, obj.Key, item.Ref)
	assert.Equal(t, int64(1024), item.Size)
	assert.Equal(t, modified, item.Date)
	assert.Equal(t, "image/jpeg", item.MIMEType)
}

func TestClassify(t *testing.T) {
	serverErr := minio.ErrorResponse{StatusCode: 503, Code: "SlowDown"}
	assert.True(t, errpkg.IsRetryable(classify(fmt.Errorf("get: %w", serverErr))))

	changed := minio.ErrorResponse{StatusCode: 412, Code: "PreconditionFailed"}
	assert.True(t, errpkg.IsRetryable(classify(changed)), "object replaced between stat and read")

	notFound := minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}
	assert.False(t, errpkg.IsRetryable(classify(notFound)))

	var netErr net.Error = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.True(t, errpkg.IsRetryable(classify(netErr)))
}

var testModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeObject struct {
	etag string
	body string
}

// fakeBucket answers path-style HEAD and GET object requests for one bucket.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	ifMatch []string
}

func (b *fakeBucket) put(key, etag, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = fakeObject{etag: etag, body: body}
}

func (b *fakeBucket) lastIfMatch() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ifMatch) == 0 {
		return ""
	}
	return b.ifMatch[len(b.ifMatch)-1]
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/attachments/")

	b.mu.Lock()
	obj, ok := b.objects[key]
	if r.Method == http.MethodGet {
		b.ifMatch = append(b.ifMatch, r.Header.Get("If-Match"))
	}
	b.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message>`+
			`<Key>`+key+`</Key><BucketName>attachments</BucketName></Error>`)
		return
	}
	w.Header().Set("ETag", `"`+obj.etag+`"`)
	http.ServeContent(w, r, path.Base(key), testModTime, strings.NewReader(obj.body))
}

func newBucketSource(t *testing.T) (*Source, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: make(map[string]fakeObject)}
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	src, err := New(Options{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "attachments",
		Region:    "us-east-1",
	}, newTestLogger())
	require.NoError(t, err)
	return src, bucket
}

func readStream(t *testing.T, body io.ReadCloser) string {
	t.Helper()
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

func TestSource_Open(t *testing.T) {
	src, bucket := newBucketSource(t)
	bucket.put("family/note.txt", "v1", "hello object store")
	item := domain.Item{ID: "note.txt", Ref: "family/note.txt"}

	full, err := src.Open(context.Background(), item, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello object store", readStream(t, full.Body))
	assert.Equal(t, int64(18), full.Total)
	assert.Zero(t, full.Offset)
	assert.True(t, full.SupportsResume)
	assert.Equal(t, "v1", full.Version)
	assert.Contains(t, bucket.lastIfMatch(), "v1", "reads are pinned to the stat etag")

	item.Version = full.Version
	resumed, err := src.Open(context.Background(), item, 6)
	require.NoError(t, err)
	assert.Equal(t, "object store", readStream(t, resumed.Body))
	assert.Equal(t, int64(6), resumed.Offset)
	assert.Equal(t, int64(18), resumed.Total)

	done, err := src.Open(context.Background(), item, 18)
	require.NoError(t, err)
	assert.Empty(t, readStream(t, done.Body))
	assert.Equal(t, int64(18), done.Offset)
}

func TestSource_OpenRestartsWhenObjectChanged(t *testing.T) {
	src, bucket := newBucketSource(t)
	bucket.put("family/note.txt", "v2", "a different payload")
	item := domain.Item{ID: "note.txt", Ref: "family/note.txt", Version: "v1"}

	stream, err := src.Open(context.Background(), item, 6)
	require.NoError(t, err)
	assert.Zero(t, stream.Offset)
	assert.Equal(t, "a different payload", readStream(t, stream.Body))
	assert.Equal(t, "v2", stream.Version)
	assert.Contains(t, bucket.lastIfMatch(), "v2")
}

func TestSource_OpenMissingObject(t *testing.T) {
	src, _ := newBucketSource(t)

	_, err := src.Open(context.Background(), domain.Item{ID: "gone", Ref: "family/gone.txt"}, 0)
	require.Error(t, err)
	assert.False(t, errpkg.IsRetryable(err), "a missing object is permanent")
}
