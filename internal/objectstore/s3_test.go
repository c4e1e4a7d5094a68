package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hitoshi/crispcolon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	putFn  func(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	headFn func(ctx context.Context, in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error)
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return f.putFn(ctx, in)
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return f.headFn(ctx, in)
}

func writeTestObject(t *testing.T, content string) Object {
	t.Helper()
	p := filepath.Join(t.TempDir(), "1700000000000-abc.png")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return Object{
		Path:         p,
		Name:         filepath.Base(p),
		ContentType:  "image/png",
		Size:         int64(len(content)),
		OwnerID:      "user-1",
		OriginalName: "内視鏡.png",
	}
}

func fixedClock() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) }

func TestUpload_PutsObjectAndReturnsPublicURL(t *testing.T) {
	var got *s3.PutObjectInput
	var body []byte
	fake := &fakeS3{putFn: func(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		got = in
		body, _ = io.ReadAll(in.Body)
		return &s3.PutObjectOutput{}, nil
	}}

	store := newS3Store(fake, Config{Bucket: "scans", KeyPrefix: "prod", PublicBaseURL: "https://cdn.example.com/"})
	store.now = fixedClock

	url, err := store.Upload(context.Background(), writeTestObject(t, "png-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/prod/users/user-1/2026/03/07/1700000000000-abc.png", url)
	assert.Equal(t, "scans", *got.Bucket)
	assert.Equal(t, "prod/users/user-1/2026/03/07/1700000000000-abc.png", *got.Key)
	assert.Equal(t, "image/png", *got.ContentType)
	assert.Equal(t, int64(9), *got.ContentLength)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "user-1", got.Metadata["owner"])
	assert.NotContains(t, got.Metadata["original-name"], "内")
}

func TestUpload_FailureWrapsObjectStoreError(t *testing.T) {
	fake := &fakeS3{putFn: func(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return nil, errors.New("access denied")
	}}
	store := newS3Store(fake, Config{Bucket: "scans"})

	_, err := store.Upload(context.Background(), writeTestObject(t, "x"))
	assert.ErrorIs(t, err, model.ErrObjectStore)
}

func TestUpload_MissingFile(t *testing.T) {
	store := newS3Store(&fakeS3{}, Config{Bucket: "scans"})

	_, err := store.Upload(context.Background(), Object{Path: filepath.Join(t.TempDir(), "gone.png")})
	assert.ErrorIs(t, err, model.ErrObjectStore)
}

func TestObjectURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "public base url",
			cfg:  Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/media"},
			want: "https://cdn.example.com/media/users/u/a%20b.png",
		},
		{
			name: "path style endpoint",
			cfg:  Config{Bucket: "b", Endpoint: "http://minio:9000/", UsePathStyle: true},
			want: "http://minio:9000/b/users/u/a%20b.png",
		},
		{
			name: "virtual hosted endpoint",
			cfg:  Config{Bucket: "b", Endpoint: "https://storage.example.com"},
			want: "https://b.storage.example.com/users/u/a%20b.png",
		},
		{
			name: "aws default",
			cfg:  Config{Bucket: "b", Region: "ap-northeast-1"},
			want: "https://b.s3.ap-northeast-1.amazonaws.com/users/u/a%20b.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newS3Store(&fakeS3{}, tt.cfg)
			assert.Equal(t, tt.want, store.ObjectURL("users/u/a b.png"))
		})
	}
}

func TestPing(t *testing.T) {
	ok := newS3Store(&fakeS3{headFn: func(ctx context.Context, in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return &s3.HeadBucketOutput{}, nil
	}}, Config{Bucket: "b"})
	assert.NoError(t, ok.Ping(context.Background()))

	ng := newS3Store(&fakeS3{headFn: func(ctx context.Context, in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return nil, errors.New("no such bucket")
	}}, Config{Bucket: "b"})
	assert.ErrorIs(t, ng.Ping(context.Background()), model.ErrObjectStore)
}

// fakeS3Server はPUTされたオブジェクトを記録するS3互換サーバー。
type fakeS3Server struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
	status  int
}

func (s *fakeS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusOK)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.objects[r.URL.Path] = body
	s.headers[r.URL.Path] = r.Header.Clone()
	s.mu.Unlock()
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func newSDKStore(t *testing.T, endpoint string) *S3Store {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	store, err := NewS3Store(context.Background(), Config{
		Bucket:          "scans",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
		UsePathStyle:    true,
		MaxAttempts:     1,
	})
	require.NoError(t, err)
	store.now = fixedClock
	return store
}

// TestS3Store_AgainstHTTPEndpoint はSDK経由で実際のHTTPリクエストが送られることを検証する。
func TestS3Store_AgainstHTTPEndpoint(t *testing.T) {
	fake := &fakeS3Server{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store := newSDKStore(t, srv.URL)

	url, err := store.Upload(context.Background(), writeTestObject(t, "real-bytes"))
	require.NoError(t, err)

	wantPath := "/scans/users/user-1/2026/03/07/1700000000000-abc.png"
	assert.Equal(t, srv.URL+wantPath, url)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "real-bytes", string(fake.objects[wantPath]))
	h := fake.headers[wantPath]
	assert.Equal(t, "image/png", h.Get("Content-Type"))
	assert.Equal(t, "user-1", h.Get("X-Amz-Meta-Owner"))
	assert.True(t, strings.HasPrefix(h.Get("Authorization"), "AWS4-HMAC-SHA256"))
}

func TestS3Store_ServerErrorIsObjectStoreError(t *testing.T) {
	srv := httptest.NewServer(&fakeS3Server{status: http.StatusInternalServerError})
	defer srv.Close()

	store := newSDKStore(t, srv.URL)

	_, err := store.Upload(context.Background(), writeTestObject(t, "x"))
	assert.ErrorIs(t, err, model.ErrObjectStore)
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), Config{})
	assert.Error(t, err)
}
