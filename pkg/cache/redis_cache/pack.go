package redis_cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/pool"
)

const (
	packVersion   = 1
	fixedHdrLen   = 1 + 8 + 2 + 1 + 1
	maxHeaderKeys = 1024
)

// packEntry encodes e as
//
//	version(1) stored_at_ms(8) status(2) priority(1) class(1)
//	method url vary content_type (uvarint-prefixed strings)
//	header_count [name value_count [value...]...]
//	snappy(payload)
//
// The returned buffer should be released by the caller.
func packEntry(e *cache.Entry) *pool.Buffer {
	meta := make([]byte, fixedHdrLen, 128)
	meta[0] = packVersion
	binary.BigEndian.PutUint64(meta[1:9], uint64(e.StoredAt.UnixMilli()))
	binary.BigEndian.PutUint16(meta[9:11], uint16(e.Status))
	meta[11] = uint8(e.Priority)
	meta[12] = uint8(e.Class)

	meta = appendString(meta, e.Key.Method)
	meta = appendString(meta, e.Key.URL)
	meta = appendString(meta, e.Key.Vary)
	meta = appendString(meta, e.ContentType)
	meta = binary.AppendUvarint(meta, uint64(len(e.Header)))
	for k, vs := range e.Header {
		meta = appendString(meta, k)
		meta = binary.AppendUvarint(meta, uint64(len(vs)))
		for _, v := range vs {
			meta = appendString(meta, v)
		}
	}

	payload := snappy.Encode(nil, e.Payload)
	buf := pool.GetBuf(len(meta) + len(payload))
	b := buf.Bytes()
	copy(b, meta)
	copy(b[len(meta):], payload)
	return buf
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

var errShort = errors.New("b is too short")

type reader struct {
	b []byte
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		return 0, errShort
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) string() (string, error) {
	l, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(len(r.b)) < l {
		return "", errShort
	}
	s := string(r.b[:l])
	r.b = r.b[l:]
	return s, nil
}

// unpackEntry decodes b. All errors wrap cache.ErrCorrupt.
func unpackEntry(b []byte) (*cache.Entry, error) {
	e, err := unpack(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrCorrupt, err)
	}
	return e, nil
}

func unpack(b []byte) (*cache.Entry, error) {
	if len(b) < fixedHdrLen {
		return nil, errShort
	}
	if b[0] != packVersion {
		return nil, fmt.Errorf("unknown version %d", b[0])
	}
	e := &cache.Entry{
		StoredAt: time.UnixMilli(int64(binary.BigEndian.Uint64(b[1:9]))),
		Status:   int(binary.BigEndian.Uint16(b[9:11])),
		Priority: cache.Priority(b[11]),
		Class:    classify.Class(b[12]),
	}

	r := &reader{b: b[fixedHdrLen:]}
	var err error
	for _, p := range []*string{&e.Key.Method, &e.Key.URL, &e.Key.Vary, &e.ContentType} {
		if *p, err = r.string(); err != nil {
			return nil, err
		}
	}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > maxHeaderKeys {
		return nil, fmt.Errorf("too many header keys %d", n)
	}
	if n > 0 {
		e.Header = make(http.Header, n)
		for i := uint64(0); i < n; i++ {
			k, err := r.string()
			if err != nil {
				return nil, err
			}
			nv, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if nv > uint64(len(r.b)) {
				return nil, errShort
			}
			vs := make([]string, 0, nv)
			for j := uint64(0); j < nv; j++ {
				v, err := r.string()
				if err != nil {
					return nil, err
				}
				vs = append(vs, v)
			}
			e.Header[k] = vs
		}
	}

	e.Payload, err = snappy.Decode(nil, r.b)
	if err != nil {
		return nil, err
	}
	return e, nil
}
