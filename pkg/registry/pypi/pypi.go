// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pypi describes the PyPI registry interface.
package pypi

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/internal/urlx"
	"github.com/pkg/errors"
)

var (
	registryURL    = urlx.MustParse("https://pypi.org")
	rssPackagesURL = urlx.MustParse("https://pypi.org/rss/packages.xml")
	rssUpdatesURL  = urlx.MustParse("https://pypi.org/rss/updates.xml")
)

// ErrNotFound is returned when the registry responds with a 404.
var ErrNotFound = errors.New("project not found")

// Project describes a single PyPI project with multiple releases.
type Project struct {
	Info     `json:"info"`
	Releases map[string][]Artifact `json:"releases"`
	// Artifacts are the files of the release the document was fetched for.
	Artifacts []Artifact `json:"urls"`
}

// Release describes a single PyPI project version with multiple artifacts.
type Release struct {
	Info      `json:"info"`
	Artifacts []Artifact `json:"urls"`
}

// Info about a project. EntryPoints is kept raw since the field is free-form
// metadata, not a stable shape.
type Info struct {
	Name         string            `json:"name"`
	Summary      string            `json:"summary"`
	Description  string            `json:"description,omitempty"`
	Version      string            `json:"version"`
	Homepage     string            `json:"home_page"`
	ProjectURL   string            `json:"project_url"`
	ProjectURLs  map[string]string `json:"project_urls"`
	RequiresDist []string          `json:"requires_dist"`
	EntryPoints  json.RawMessage   `json:"entry_points,omitempty"`
}

// An Artifact is one out of the multiple files that can be included in a release.
//
// PyPI might refer to this object as a "package" which is why it has a PackageType.
type Artifact struct {
	Digests       `json:"digests"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	PackageType   string    `json:"packagetype"`
	PythonVersion string    `json:"python_version"`
	URL           string    `json:"url"`
	UploadTime    time.Time `json:"upload_time_iso_8601"`
}

// Digests are the hashes of the artifact.
type Digests struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// IsSdist reports whether the artifact is a source distribution.
func (a Artifact) IsSdist() bool {
	return a.PackageType == "sdist" ||
		strings.HasSuffix(a.Filename, ".tar.gz") || strings.HasSuffix(a.Filename, ".tgz")
}

// IsWheel reports whether the artifact is a built (zip-format) distribution.
func (a Artifact) IsWheel() bool {
	return a.PackageType == "bdist_wheel" ||
		strings.HasSuffix(a.Filename, ".whl") || strings.HasSuffix(a.Filename, ".zip")
}

// EarliestUpload returns the earliest upload time across all releases.
func (p *Project) EarliestUpload() (time.Time, bool) {
	var earliest time.Time
	for _, artifacts := range p.Releases {
		for _, a := range artifacts {
			if a.UploadTime.IsZero() {
				continue
			}
			if earliest.IsZero() || a.UploadTime.Before(earliest) {
				earliest = a.UploadTime
			}
		}
	}
	return earliest, !earliest.IsZero()
}

// repositoryKeys are the project_urls keys treated as a source repository, in
// preference order.
var repositoryKeys = []string{"Source", "Repository", "Code", "GitHub", "GitLab"}

// RepositoryURL returns the first project URL that names a source repository.
func (i Info) RepositoryURL() string {
	for _, key := range repositoryKeys {
		if u := i.ProjectURLs[key]; u != "" {
			return u
		}
	}
	return ""
}

// HomepageURL returns the project homepage, preferring the declared homepage
// over the generated project URL.
func (i Info) HomepageURL() string {
	if u := i.ProjectURLs["Homepage"]; u != "" {
		return u
	}
	if i.Homepage != "" {
		return i.Homepage
	}
	return i.ProjectURL
}

// DocsURL returns the documentation URL, if one is declared.
func (i Info) DocsURL() string {
	for key, u := range i.ProjectURLs {
		switch strings.ToLower(key) {
		case "documentation", "docs":
			if u != "" {
				return u
			}
		}
	}
	return ""
}

// HasConsoleScripts reports whether the release metadata declares
// console_scripts entry points.
func (i Info) HasConsoleScripts() bool {
	return len(i.EntryPoints) > 0 && strings.Contains(string(i.EntryPoints), "console_scripts")
}

// RSS is the registry's newest-packages feed document.
type RSS struct {
	Channel Channel `xml:"channel"`
}

type Channel struct {
	Items []Item `xml:"item"`
}

type Item struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

// Name returns the package name from a feed item title. Titles are either
// "name" (new packages) or "name version" (updates).
func (i Item) Name() string {
	name, _, _ := strings.Cut(strings.TrimSpace(i.Title), " ")
	return name
}

// Registry is a PyPI package registry.
type Registry interface {
	Project(context.Context, string) (*Project, error)
	Release(context.Context, string, string) (*Release, error)
	Artifact(context.Context, string) (io.ReadCloser, error)
	RecentNames(context.Context, int) ([]string, error)
}

// HTTPRegistry is a Registry implementation that uses the pypi.org HTTP API.
// Zero-value URL fields fall back to the public endpoints.
type HTTPRegistry struct {
	Client         httpx.BasicClient
	RegistryURL    *url.URL
	RSSPackagesURL *url.URL
	RSSUpdatesURL  *url.URL
}

func (r HTTPRegistry) registry() *url.URL {
	if r.RegistryURL != nil {
		return r.RegistryURL
	}
	return registryURL
}

func (r HTTPRegistry) rssFeeds() []*url.URL {
	feeds := []*url.URL{rssPackagesURL, rssUpdatesURL}
	if r.RSSPackagesURL != nil {
		feeds[0] = r.RSSPackagesURL
	}
	if r.RSSUpdatesURL != nil {
		feeds[1] = r.RSSUpdatesURL
	}
	return feeds
}

func (r HTTPRegistry) getJSON(ctx context.Context, u string, v any) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != 200 {
		return errors.Errorf("pypi registry error: %v", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Project provides all API information related to the given package.
func (r HTTPRegistry) Project(ctx context.Context, pkg string) (*Project, error) {
	pathURL, err := url.Parse(path.Join("/pypi", pkg, "json"))
	if err != nil {
		return nil, err
	}
	var p Project
	if err := r.getJSON(ctx, r.registry().ResolveReference(pathURL).String(), &p); err != nil {
		if err == ErrNotFound {
			return nil, errors.Wrapf(ErrNotFound, "project %s", pkg)
		}
		return nil, errors.Wrap(err, "fetching project")
	}
	return &p, nil
}

// Release provides all API information related to the given version of a package.
func (r HTTPRegistry) Release(ctx context.Context, pkg, version string) (*Release, error) {
	pathURL, err := url.Parse(path.Join("/pypi", pkg, version, "json"))
	if err != nil {
		return nil, err
	}
	var release Release
	if err := r.getJSON(ctx, r.registry().ResolveReference(pathURL).String(), &release); err != nil {
		if err == ErrNotFound {
			return nil, errors.Wrapf(ErrNotFound, "release %s %s", pkg, version)
		}
		return nil, errors.Wrap(err, "fetching release")
	}
	return &release, nil
}

// Artifact downloads a release file by its registry-provided URL.
func (r HTTPRegistry) Artifact(ctx context.Context, artifactURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, errors.Errorf("fetching artifact: %v", resp.Status)
	}
	return resp.Body, nil
}

// RecentNames returns recently published or updated package names discovered
// via the registry's two RSS feeds, deduplicated on the lowercased name. Each
// feed contributes up to limit/2 entries.
func (r HTTPRegistry) RecentNames(ctx context.Context, limit int) ([]string, error) {
	perFeed := limit/2 + limit%2
	seen := make(map[string]bool)
	var names []string
	var lastErr error
	for _, feedURL := range r.rssFeeds() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, feedURL.String(), nil)
		resp, err := r.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != 200 {
				lastErr = errors.Errorf("pypi rss error: %v", resp.Status)
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				lastErr = errors.Wrap(err, "reading rss feed")
				return
			}
			var feed RSS
			if err := xml.Unmarshal(body, &feed); err != nil {
				lastErr = errors.Wrap(err, "parsing rss feed")
				return
			}
			count := 0
			for _, item := range feed.Channel.Items {
				if count >= perFeed {
					break
				}
				name := strings.ToLower(item.Name())
				if name == "" || seen[name] {
					continue
				}
				seen[name] = true
				names = append(names, name)
				count++
			}
		}()
	}
	if len(names) == 0 && lastErr != nil {
		return nil, lastErr
	}
	if len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

var _ Registry = &HTTPRegistry{}
