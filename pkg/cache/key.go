package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/idna"
)

// Key identifies an entry within a namespace.
type Key struct {
	Method string
	URL    string // normalized, see NormalizeURL
	Vary   string // fingerprint of the request headers named by Vary
}

// String is the storage key of k.
func (k Key) String() string {
	if k.Vary == "" {
		return k.Method + " " + k.URL
	}
	return k.Method + " " + k.URL + " " + k.Vary
}

// NewKey builds a Key from a request. HEAD shares the GET entry.
func NewKey(method, rawURL string, reqHeader http.Header, vary string) (Key, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return Key{}, err
	}
	method = strings.ToUpper(method)
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	return Key{
		Method: method,
		URL:    u,
		Vary:   VaryFingerprint(vary, reqHeader),
	}, nil
}

// NormalizeURL lower-cases scheme and host, converts the host to its ASCII
// form, strips default ports and the fragment, and sorts the query.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	if host := u.Hostname(); host != "" {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		port := u.Port()
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			port = ""
		}
		if strings.Contains(ascii, ":") {
			ascii = "[" + ascii + "]"
		}
		if port != "" {
			u.Host = ascii + ":" + port
		} else {
			u.Host = ascii
		}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// VaryFingerprint hashes the values of the request headers listed in a
// Vary response header. An empty or "*" Vary yields "".
func VaryFingerprint(vary string, reqHeader http.Header) string {
	if vary == "" || vary == "*" {
		return ""
	}
	names := strings.Split(vary, ",")
	for i := range names {
		names[i] = http.CanonicalHeaderKey(strings.TrimSpace(names[i]))
	}
	sort.Strings(names)

	d := xxhash.New()
	for _, n := range names {
		if n == "" {
			continue
		}
		_, _ = d.WriteString(n)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(strings.Join(reqHeader.Values(n), ","))
		_, _ = d.WriteString("\n")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
