package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"gitlab.com/go-extension/http"
	"go.uber.org/zap"

	C "github.com/pmkol/offsync/constant"
	"github.com/pmkol/offsync/pkg/upstream"
)

var defaultUserAgent = fmt.Sprintf("offsync/%s", C.Version)

var nopLogger = zap.NewNop()

// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body too large")

type Opts struct {
	// Transport is optional.
	Transport *http.Transport

	// Timeout bounds a whole fetch including reading the body.
	// Default is 10s.
	Timeout time.Duration

	// MaxBodySize is the largest accepted response body. Default is 32MiB.
	MaxBodySize int64

	UserAgent string
	Logger    *zap.Logger
}

func (opts *Opts) Init() {
	if opts.Transport == nil {
		opts.Transport = &http.Transport{
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 32 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Upstream fetches requests from their origin over HTTP.
type Upstream struct {
	opts Opts
}

var _ upstream.Upstream = (*Upstream)(nil)

func NewUpstream(opts Opts) *Upstream {
	opts.Init()
	return &Upstream{opts: opts}
}

func (u *Upstream) Fetch(ctx context.Context, r *upstream.Request) (*upstream.Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(fetchCtx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = http.Header(r.Header.Clone())
	}
	upstream.RemoveHopHeaders(nethttp.Header(req.Header))
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", u.opts.UserAgent)
	}

	res, err := u.opts.Transport.RoundTrip(req)
	if err != nil {
		return nil, u.networkErr(ctx, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, u.opts.MaxBodySize+1))
	if err != nil {
		return nil, u.networkErr(ctx, err)
	}
	if int64(len(b)) > u.opts.MaxBodySize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, u.opts.MaxBodySize)
	}

	hdr := nethttp.Header(res.Header).Clone()
	upstream.RemoveHopHeaders(hdr)
	return &upstream.Response{
		Status: res.StatusCode,
		Header: hdr,
		Body:   b,
	}, nil
}

// networkErr wraps err with upstream.ErrNetworkUnavailable unless the
// caller cancelled ctx.
func (u *Upstream) networkErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	u.opts.Logger.Debug("fetch failed", zap.Error(err))
	return fmt.Errorf("%w: %v", upstream.ErrNetworkUnavailable, err)
}

func (u *Upstream) Close() error {
	u.opts.Transport.CloseIdleConnections()
	return nil
}
