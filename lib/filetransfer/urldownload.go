// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/lib/files"
)

// Downloader fetches a remote URL into a directory.
type Downloader interface {
	// Download fetches rawURL into dir and returns the name of the stored
	// file, relative to dir.
	Download(ctx context.Context, rawURL, dir string) (string, error)
}

// No call to WaitN may exceed the limiter burst size, so larger reads are
// split into several waits.
const limiterBurstSize = 4 * 128 << 10

// HTTPDownloader fetches files over HTTP and HTTPS, rate limited when a
// positive limit is configured.
type HTTPDownloader struct {
	client  *http.Client
	limiter *rate.Limiter
	counter *byteCounter
}

// NewHTTPDownloader creates a downloader limited to maxBytesPerSecond, or
// unlimited when the limit is zero or negative.
func NewHTTPDownloader(maxBytesPerSecond int) *HTTPDownloader {
	limiter := rate.NewLimiter(rate.Inf, limiterBurstSize)
	if maxBytesPerSecond > 0 {
		limiter.SetLimit(rate.Limit(maxBytesPerSecond))
	}
	return &HTTPDownloader{
		client:  &http.Client{},
		limiter: limiter,
		counter: newByteCounter(),
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	name := path.Base(u.Path)
	if err := files.CheckName(name); err != nil {
		return "", fmt.Errorf("deriving a file name from %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: %s", rawURL, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	src := &limitedReader{ctx: ctx, reader: resp.Body, limiter: d.limiter, counter: d.counter}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", err
	}
	l.Debugf("downloaded %s, %.0f B/s over the last minute", rawURL, d.counter.Rate())
	return name, nil
}

// Close stops the throughput accounting.
func (d *HTTPDownloader) Close() error {
	d.counter.Close()
	return nil
}

// limitedReader is a rate limited io.Reader that also feeds the throughput
// counter.
type limitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
	counter *byteCounter
}

func (r *limitedReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	if n > 0 {
		r.counter.Update(int64(n))
		if lerr := take(r.ctx, r.limiter, n); lerr != nil && err == nil {
			err = lerr
		}
	}
	return n, err
}

func take(ctx context.Context, l *rate.Limiter, tokens int) error {
	for tokens > 0 {
		n := tokens
		if n > limiterBurstSize {
			n = limiterBurstSize
		}
		if err := l.WaitN(ctx, n); err != nil {
			return err
		}
		tokens -= n
	}
	return nil
}

// A byteCounter gets bytes added to it via Update() and then provides the
// Total() and one minute moving average Rate() in bytes per second.
type byteCounter struct {
	total atomic.Int64
	metrics.EWMA
	stop chan struct{}
}

func newByteCounter() *byteCounter {
	c := &byteCounter{
		EWMA: metrics.NewEWMA1(),
		stop: make(chan struct{}),
	}
	go c.ticker()
	return c
}

func (c *byteCounter) ticker() {
	// The metrics.EWMA expects clock ticks every five seconds in order to
	// decay the average properly.
	t := time.NewTicker(5 * time.Second)
	for {
		select {
		case <-t.C:
			c.Tick()
		case <-c.stop:
			t.Stop()
			return
		}
	}
}

func (c *byteCounter) Update(bytes int64) {
	c.total.Add(bytes)
	c.EWMA.Update(bytes)
}

func (c *byteCounter) Total() int64 {
	return c.total.Load()
}

func (c *byteCounter) Close() {
	close(c.stop)
}
