package scripts_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackOnly struct {
	tracked []string
}

func (p *trackOnly) Track(_ context.Context, env *envelope.Envelope) error {
	p.tracked = append(p.tracked, env.Event)
	return nil
}

func TestAdapt(t *testing.T) {
	// Arrange
	impl := &trackOnly{}
	plugin := scripts.Adapt(impl)

	// Act
	err := plugin.Call(context.Background(), scripts.HookTrack, &envelope.Envelope{Event: "e1"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, impl.tracked)
	assert.True(t, plugin.Supports(scripts.HookTrack))
	assert.False(t, plugin.Supports(scripts.HookInitialize))
	assert.NoError(t, plugin.Call(context.Background(), scripts.HookPage, nil))
}

func TestStaticLoader(t *testing.T) {
	ctx := context.Background()
	loader := scripts.NewStaticLoader()
	loader.Register("https://cdn.example.com/dest.js", "dest", func(context.Context, map[string]any) (scripts.Plugin, error) {
		return scripts.Adapt(&trackOnly{}), nil
	})

	t.Run("Registered export", func(t *testing.T) {
		script, err := loader.Load(ctx, "https://cdn.example.com/dest.js")
		require.NoError(t, err)
		factory, err := script.Export("dest")
		require.NoError(t, err)
		plugin, err := factory(ctx, nil)
		require.NoError(t, err)
		assert.True(t, plugin.Supports(scripts.HookTrack))
	})

	t.Run("Unknown export", func(t *testing.T) {
		script, err := loader.Load(ctx, "https://cdn.example.com/dest.js")
		require.NoError(t, err)
		_, err = script.Export("other")
		assert.ErrorIs(t, err, scripts.ErrExportNotFound)
	})

	t.Run("Unknown source", func(t *testing.T) {
		_, err := loader.Load(ctx, "https://cdn.example.com/other.js")
		assert.Error(t, err)
	})
}

// --- fake GCS client ---

type fakeGCS map[string][]byte

func (f fakeGCS) Bucket(name string) scripts.GCSBucketHandle { return fakeBucket{f: f, name: name} }

type fakeBucket struct {
	f    fakeGCS
	name string
}

func (b fakeBucket) Object(name string) scripts.GCSObjectHandle {
	return fakeObject{data: b.f[b.name+"/"+name]}
}

type fakeObject struct{ data []byte }

func (o fakeObject) NewReader(context.Context) (io.ReadCloser, error) {
	if o.data == nil {
		return nil, errors.New("storage: object doesn't exist")
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

// --- fake S3 client ---

type fakeS3 map[string][]byte

func (f fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestSchemeFetcher(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plugin.wasm" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("http-bytes"))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.wasm")
	require.NoError(t, os.WriteFile(path, []byte("file-bytes"), 0o600))

	fetcher := scripts.SchemeFetcher{
		"http": scripts.HTTPFetcher{Client: srv.Client()},
		"file": scripts.FileFetcher{},
		"gs":   scripts.GCSFetcher{Client: fakeGCS{"plugins/ga/plugin.wasm": []byte("gs-bytes")}},
		"s3":   &scripts.S3Fetcher{API: fakeS3{"plugins/ga/plugin.wasm": []byte("s3-bytes")}},
	}

	testCases := []struct {
		name    string
		src     string
		want    string
		wantErr bool
	}{
		{name: "http", src: srv.URL + "/plugin.wasm", want: "http-bytes"},
		{name: "http not found", src: srv.URL + "/missing.wasm", wantErr: true},
		{name: "file", src: "file://" + path, want: "file-bytes"},
		{name: "gs", src: "gs://plugins/ga/plugin.wasm", want: "gs-bytes"},
		{name: "gs missing object", src: "gs://plugins/none.wasm", wantErr: true},
		{name: "s3", src: "s3://plugins/ga/plugin.wasm", want: "s3-bytes"},
		{name: "s3 without key", src: "s3://plugins", wantErr: true},
		{name: "unknown scheme", src: "ftp://host/plugin.wasm", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			b, err := fetcher.Fetch(ctx, tc.src)

			// Assert
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(b))
		})
	}
}
