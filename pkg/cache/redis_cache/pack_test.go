package redis_cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/classify"
)

func Test_packEntry(t *testing.T) {
	e := &cache.Entry{
		Key:         cache.Key{Method: "GET", URL: "https://example.com/templates/a.md", Vary: "ab12"},
		Payload:     []byte("# template\n\nbody body body body"),
		ContentType: "text/markdown",
		Status:      200,
		Header:      http.Header{"Etag": {`"v1"`}, "Vary": {"Accept", "Accept-Language"}},
		StoredAt:    time.UnixMilli(1767225600123),
		Priority:    cache.PriorityCritical,
		Class:       classify.Template,
	}
	buf := packEntry(e)
	got, err := unpackEntry(buf.Bytes())
	buf.Release()
	require.NoError(t, err)

	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.Payload, got.Payload)
	assert.Equal(t, e.ContentType, got.ContentType)
	assert.Equal(t, e.Status, got.Status)
	assert.Equal(t, e.Header, got.Header)
	assert.True(t, e.StoredAt.Equal(got.StoredAt))
	assert.Equal(t, e.Priority, got.Priority)
	assert.Equal(t, e.Class, got.Class)
}

func Test_unpackEntry_corrupt(t *testing.T) {
	valid := packEntry(&cache.Entry{
		Key:      cache.Key{Method: "GET", URL: "https://example.com/"},
		Payload:  []byte("hello"),
		Status:   200,
		StoredAt: time.UnixMilli(1),
	})
	b := append([]byte(nil), valid.Bytes()...)
	valid.Release()

	bad := append([]byte(nil), b...)
	bad[0] = 9

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short", b[:fixedHdrLen-1]},
		{"version", bad},
		{"truncated meta", b[:fixedHdrLen+3]},
		{"truncated payload", b[:len(b)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unpackEntry(tt.b)
			assert.ErrorIs(t, err, cache.ErrCorrupt)
		})
	}
}

func TestRedisCacheOpts_Init(t *testing.T) {
	opts := RedisCacheOpts{}
	assert.Error(t, opts.Init())

	_, err := NewProvider(RedisCacheOpts{})
	assert.Error(t, err)
}
