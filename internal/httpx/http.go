// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides a simpler http.Client abstraction and derivative uses.
package httpx

import (
	"bufio"
	"bytes"
	"net/http"
	"time"

	"github.com/google/phantomscan/internal/cache"
)

// BasicClient is a simpler http.Client that only requires a Do method.
type BasicClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ BasicClient = http.DefaultClient

// WithUserAgent is a basic HTTP client that adds a User-Agent header.
type WithUserAgent struct {
	BasicClient
	UserAgent string
}

var _ BasicClient = &WithUserAgent{}

// Do adds the User-Agent header and sends the request.
func (c *WithUserAgent) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.UserAgent)
	return c.BasicClient.Do(req)
}

// CachedClient is a BasicClient that caches responses.
type CachedClient struct {
	BasicClient
	ch cache.Cache
}

// NewCachedClient returns a new CachedClient.
func NewCachedClient(client BasicClient, c cache.Cache) *CachedClient {
	return &CachedClient{client, c}
}

// Do attempts to fetch from cache (if applicable) or fulfills the request using the underlying client.
func (cc *CachedClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return cc.BasicClient.Do(req)
	}
	respBytes, err := cc.ch.Get(req.Method + " " + req.URL.String())
	if err == cache.ErrNotExist { // Cache not set
		resp, err := cc.BasicClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		buf := new(bytes.Buffer)
		if err := resp.Write(buf); err != nil {
			return nil, err
		}
		if isServer := (resp.StatusCode >= 500 && resp.StatusCode <= 599); !isServer {
			cc.ch.Set(req.Method+" "+req.URL.String(), func() (any, error) { return buf.Bytes(), nil })
		}
		respBytes = buf.Bytes()
	} else if err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(respBytes.([]byte))), req)
}

var _ BasicClient = &CachedClient{}

// RateLimitedClient throttles requests to the tick interval.
type RateLimitedClient struct {
	BasicClient
	Ticker *time.Ticker
}

func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	<-c.Ticker.C // Wait for next tick
	return c.BasicClient.Do(req)
}

var _ BasicClient = &RateLimitedClient{}

// DefaultRetryAttempts is the total number of tries RetryClient makes.
const DefaultRetryAttempts = 3

// RetryClient retries GET and HEAD requests on transport errors and 5xx
// responses with exponential backoff. Other methods pass through unchanged.
type RetryClient struct {
	BasicClient
	// Attempts is the total number of tries. Zero means DefaultRetryAttempts.
	Attempts int
	// BaseDelay is the first backoff interval, doubled after each failure.
	// Zero means one second.
	BaseDelay time.Duration
}

func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return c.BasicClient.Do(req)
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	delay := c.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	var resp *http.Response
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		resp, err = c.BasicClient.Do(req)
		if err != nil {
			continue
		}
		// 4xx responses are authoritative; only server errors retry.
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && i < attempts-1 {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var _ BasicClient = &RetryClient{}
