package fallback

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/upstream"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func req(url, accept string) *upstream.Request {
	h := http.Header{}
	if accept != "" {
		h.Set("Accept", accept)
	}
	return &upstream.Request{Method: http.MethodGet, URL: url, Header: h}
}

func TestFor_html(t *testing.T) {
	cached := &upstream.Response{Status: 200, Body: []byte("<h1>cached offline</h1>")}
	var asked []string
	lookup := func(p string) *upstream.Response {
		asked = append(asked, p)
		if p == "/offline.html" {
			return cached
		}
		return nil
	}

	r := For(req("https://example.com/templates/x", "text/html,application/xhtml+xml"), classify.Template, lookup, now)
	assert.Same(t, cached, r)
	assert.Equal(t, []string{"/templates/offline.html", "/offline.html"}, asked)

	r = For(req("https://example.com/about", "text/html"), classify.Generic, nil, now)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "true", r.Header.Get(HeaderOffline))
	assert.Contains(t, string(r.Body), "<!DOCTYPE html>")
}

func TestFor_json(t *testing.T) {
	r := For(req("https://example.com/data/index.json", ""), classify.Generic, nil, now)
	assert.Equal(t, http.StatusOK, r.Status)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Body, &v))
	assert.Equal(t, true, v["offline"])
}

func TestFor_api(t *testing.T) {
	r := For(req("https://example.com/api/search?q=x", ""), classify.APIQuery, nil, now)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "application/json", r.ContentType())
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Body, &v))
	assert.Equal(t, true, v["offline"])
	assert.Equal(t, "2026-03-01T12:00:00Z", v["timestamp"])
}

func TestFor_markdown(t *testing.T) {
	r := For(req("https://example.com/templates/prompt-audit.md", ""), classify.Template, nil, now)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "true", r.Header.Get(HeaderOffline))
	assert.Contains(t, string(r.Body), "# Offline Mode - Template Not Available")
	assert.Contains(t, string(r.Body), "**File**: prompt-audit")
}

func TestFor_svgAndDefault(t *testing.T) {
	r := For(req("https://example.com/assets/diagrams/flow.svg", ""), classify.VisualAsset, nil, now)
	assert.Equal(t, "image/svg+xml", r.ContentType())

	r = For(req("https://example.com/assets/images/a.png", ""), classify.VisualAsset, nil, now)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
}

func TestQueued(t *testing.T) {
	r := Queued(42)
	assert.Equal(t, http.StatusAccepted, r.Status)
	assert.JSONEq(t, `{"queued":true,"id":42}`, string(r.Body))
}
