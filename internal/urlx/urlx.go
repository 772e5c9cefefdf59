// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package urlx provides small URL construction helpers.
package urlx

import (
	"net/url"
	"path"
)

// MustParse will call url.Parse and panic if there is an error, returning on success.
func MustParse(rawURL string) *url.URL {
	if u, err := url.Parse(rawURL); err != nil {
		panic(err)
	} else {
		return u
	}
}

// Join returns a copy of base with the path elements appended. The base is
// never mutated, so package-level default URLs stay shareable.
func Join(base *url.URL, elem ...string) *url.URL {
	u := *base
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return &u
}

// Copy returns a shallow copy safe for per-request mutation.
func Copy(base *url.URL) *url.URL {
	u := *base
	return &u
}
