package fallback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/upstream"
)

// HeaderOffline is set on every generated fallback response.
const HeaderOffline = "X-Offline-Fallback"

// Lookup returns a cached response for an origin path, or nil.
type Lookup func(path string) *upstream.Response

const offlineHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Offline</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 600px; margin: 2rem auto; padding: 1rem; }
    .offline-message { text-align: center; padding: 2rem; background: #f3f4f6; border-radius: 8px; }
  </style>
</head>
<body>
  <div class="offline-message">
    <h1>You're offline</h1>
    <p>Cached content and templates are still available.</p>
    <p><small>Changes made while offline sync automatically when the connection returns.</small></p>
  </div>
</body>
</html>
`

const offlineSVG = `<svg viewBox="0 0 400 300" xmlns="http://www.w3.org/2000/svg">
  <rect width="400" height="300" fill="#f3f4f6" stroke="#d1d5db" stroke-width="2"/>
  <text x="200" y="140" text-anchor="middle" font-family="sans-serif" font-size="14" fill="#6b7280">Diagram unavailable offline</text>
  <text x="200" y="170" text-anchor="middle" font-family="sans-serif" font-size="12" fill="#9ca3af">Will load when connected</text>
</svg>
`

const offlineMarkdown = `# Offline Mode - %[1]s Not Available

This %[2]s is not available offline.

**File**: %[3]s
**Status**: Will be available when you're connected to the internet

## What you can do now:
- Browse cached content and templates
- Access previously viewed content

## When you're back online:
- Content will automatically sync
- All offline changes will be saved
`

// For returns the offline response for req of class. Cached offline pages
// are preferred for document requests. It never returns nil.
func For(req *upstream.Request, class classify.Class, lookup Lookup, now time.Time) *upstream.Response {
	p := requestPath(req.URL)

	if acceptsHTML(req.Header) {
		for _, page := range offlinePages(class) {
			if lookup == nil {
				break
			}
			if r := lookup(page); r != nil {
				return r
			}
		}
		return newResponse(http.StatusOK, "text/html; charset=utf-8", []byte(offlineHTML))
	}

	switch {
	case strings.HasSuffix(p, ".json"):
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"offline": true,
			"message": "Content available offline",
		})
	case class == classify.APIQuery || class == classify.APIMutation:
		return jsonResponse(http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "Offline mode",
			"message":   "This action will be completed when you're back online",
			"offline":   true,
			"timestamp": now.UTC().Format(time.RFC3339),
		})
	case (class == classify.Template || class == classify.ContentDocument) && strings.HasSuffix(p, ".md"):
		kind := "Content"
		if class == classify.Template {
			kind = "Template"
		}
		name := strings.TrimSuffix(path.Base(p), ".md")
		body := fmt.Sprintf(offlineMarkdown, kind, strings.ToLower(kind), name)
		r := newResponse(http.StatusOK, "text/markdown; charset=utf-8", []byte(body))
		r.Header.Set("Cache-Control", "no-cache")
		return r
	case class == classify.VisualAsset && strings.HasSuffix(p, ".svg"):
		return newResponse(http.StatusOK, "image/svg+xml", []byte(offlineSVG))
	default:
		return newResponse(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
	}
}

// Queued is the response to a mutation accepted into the sync queue.
func Queued(id int64) *upstream.Response {
	r := jsonResponse(http.StatusAccepted, map[string]interface{}{
		"queued": true,
		"id":     id,
	})
	return r
}

func offlinePages(class classify.Class) []string {
	switch class {
	case classify.Template:
		return []string{"/templates/offline.html", "/offline.html"}
	case classify.ContentDocument:
		return []string{"/content/offline.html", "/offline.html"}
	default:
		return []string{"/offline.html"}
	}
}

func acceptsHTML(h http.Header) bool {
	return strings.Contains(h.Get("Accept"), "text/html")
}

func requestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

func newResponse(status int, contentType string, body []byte) *upstream.Response {
	return &upstream.Response{
		Status: status,
		Header: http.Header{
			"Content-Type": {contentType},
			HeaderOffline:  {"true"},
		},
		Body: body,
	}
}

func jsonResponse(status int, v interface{}) *upstream.Response {
	b, _ := json.Marshal(v)
	return newResponse(status, "application/json", b)
}
