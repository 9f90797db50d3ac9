// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ssio implements the streaming/random-access reader of spec.md
// §4.9: a view over a track backed by either a local file or an HTTP
// range source, decoding (pos, value) pairs on demand without requiring
// the whole file to be mapped into memory.
package ssio

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// httpClient is shared across HTTPBackends so keep-alive connections are
// reused rather than torn down per track (spec.md §4.9: "Range: ...;
// connection: keep-alive").
var httpClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	},
}

// HTTPBackend is a read-only randfile.Backend over an HTTP range source.
// It performs one HEAD to learn the length, then one Range GET per
// ReadAt call.
type HTTPBackend struct {
	url string

	mu   sync.Mutex
	size int64
}

// NewHTTPBackend performs the initial HEAD request and returns a
// ready-to-use backend over url.
func NewHTTPBackend(url string) (*HTTPBackend, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, errors.E(err, "ssio: HEAD request construction", url)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.E(err, "ssio: HEAD", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.E(errors.NotExist, "ssio: HEAD returned", resp.StatusCode, url)
	}
	if resp.ContentLength < 0 {
		return nil, errors.E(errors.NotSupported, "ssio: server did not report Content-Length", url)
	}
	log.Debug.Printf("ssio: opened %s, size=%d", url, resp.ContentLength)
	return &HTTPBackend{url: url, size: resp.ContentLength}, nil
}

// Size returns the length learned from the initial HEAD.
func (b *HTTPBackend) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size, nil
}

// ReadAt issues one ranged GET covering [off, off+len(p)).
func (b *HTTPBackend) ReadAt(p []byte, off int64) (int, error) {
	size, _ := b.Size()
	if off >= size {
		return 0, nil
	}
	end := off + int64(len(p)) - 1
	if end >= size {
		end = size - 1
	}
	req, err := http.NewRequest(http.MethodGet, b.url, nil)
	if err != nil {
		return 0, errors.E(err, "ssio: GET request construction")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	req.Header.Set("Connection", "keep-alive")
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, errors.E(err, "ssio: ranged GET", b.url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.E(errors.NotExist, "ssio: ranged GET returned", resp.StatusCode, b.url)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.E(err, "ssio: reading ranged GET body")
	}
	n := copy(p, body)
	return n, nil
}

// WriteAt, Truncate: HTTPBackend is read-only.
func (b *HTTPBackend) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.E(errors.NotSupported, "ssio: HTTPBackend is read-only")
}

func (b *HTTPBackend) Truncate(size int64) error {
	return errors.E(errors.NotSupported, "ssio: HTTPBackend is read-only")
}

// Mappable is always false: HTTP ranges can't be memory-mapped.
func (b *HTTPBackend) Mappable() bool { return false }
