// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package npm describes the npm registry interface.
package npm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/phantomscan/internal/httpx"
	"github.com/google/phantomscan/internal/urlx"
	"github.com/pkg/errors"
)

var (
	registryURL  = urlx.MustParse("https://registry.npmjs.org")
	changesURL   = urlx.MustParse("https://replicate.npmjs.com/_changes")
	downloadsURL = urlx.MustParse("https://api.npmjs.org")
)

// ErrNotFound is returned when the registry responds with a 404.
var ErrNotFound = errors.New("package not found")

// Packument is the full registry document for one package.
type Packument struct {
	Name        string               `json:"name"`
	DistTags    DistTags             `json:"dist-tags"`
	Versions    map[string]Version   `json:"versions"`
	Time        map[string]time.Time `json:"time"`
	Maintainers []Maintainer         `json:"maintainers"`
	Repository  Repository           `json:"repository,omitempty"`
	Homepage    string               `json:"homepage,omitempty"`
	Description string               `json:"description,omitempty"`
	Readme      string               `json:"readme,omitempty"`
}

type DistTags struct {
	Latest string `json:"latest"`
}

// Version is one published release within a packument. Script values are
// author-controlled package.json content, so non-string values must not
// break decoding.
type Version struct {
	Version       string          `json:"version"`
	Dist          Dist            `json:"dist"`
	Repository    Repository      `json:"repository,omitempty"`
	Scripts       map[string]any  `json:"scripts,omitempty"`
	NPMProvenance json.RawMessage `json:"_npmProvenance,omitempty"`
	Homepage      string          `json:"homepage,omitempty"`
}

// Repository accepts both the structured {type,url} form and the legacy
// bare-string form.
type Repository struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	Directory string `json:"directory,omitempty"`
}

func (r *Repository) UnmarshalJSON(data []byte) error {
	type alias Repository
	var a alias
	if err := json.Unmarshal(data, &a); err == nil {
		*r = Repository(a)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("unsupported repository format")
	}
	*r = Repository{URL: s}
	return nil
}

type Dist struct {
	Tarball      string          `json:"tarball"`
	SHA1         string          `json:"shasum,omitempty"`
	Integrity    string          `json:"integrity,omitempty"`
	Attestations json.RawMessage `json:"attestations,omitempty"`
	Signatures   []Signature     `json:"signatures,omitempty"`
}

type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig,omitempty"`
}

type Maintainer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Change is one row of the CouchDB-style replication feed.
type Change struct {
	Seq json.Number `json:"seq"`
	ID  string      `json:"id"`
}

type changesPage struct {
	Results []Change `json:"results"`
}

// DownloadPoint is the response of the downloads point API.
type DownloadPoint struct {
	Downloads int    `json:"downloads"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Package   string `json:"package"`
}

// LatestVersion resolves the latest version tag, falling back to the
// lexicographically first published version when dist-tags is empty.
func (p *Packument) LatestVersion() string {
	if p.DistTags.Latest != "" {
		return p.DistTags.Latest
	}
	if len(p.Versions) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.Versions))
	for v := range p.Versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	return keys[0]
}

// Latest returns the latest version document, if resolvable.
func (p *Packument) Latest() (Version, bool) {
	v, ok := p.Versions[p.LatestVersion()]
	return v, ok
}

// CreatedAt returns the package creation time from the registry time table.
func (p *Packument) CreatedAt() (time.Time, bool) {
	t, ok := p.Time["created"]
	return t, ok
}

// VersionTime returns the publish time of a specific version.
func (p *Packument) VersionTime(version string) (time.Time, bool) {
	t, ok := p.Time[version]
	return t, ok
}

// VersionsByTime returns published versions ordered oldest first. The
// "created" and "modified" rows of the time table are not versions.
func (p *Packument) VersionsByTime() []string {
	type vt struct {
		version string
		at      time.Time
	}
	var ordered []vt
	for v, at := range p.Time {
		if v == "created" || v == "modified" {
			continue
		}
		if _, ok := p.Versions[v]; !ok {
			continue
		}
		ordered = append(ordered, vt{v, at})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].at.Equal(ordered[j].at) {
			return ordered[i].version < ordered[j].version
		}
		return ordered[i].at.Before(ordered[j].at)
	})
	versions := make([]string, len(ordered))
	for i, o := range ordered {
		versions[i] = o.version
	}
	return versions
}

// HasInstallScripts reports whether the given version declares any script
// that runs automatically on install.
func (p *Packument) HasInstallScripts(version string) bool {
	v, ok := p.Versions[version]
	if !ok {
		return false
	}
	for _, name := range []string{"install", "preinstall", "postinstall"} {
		if _, ok := v.Scripts[name]; ok {
			return true
		}
	}
	return false
}

// RepositoryURL returns the package-level repository URL, falling back to
// the latest version's repository.
func (p *Packument) RepositoryURL() string {
	if p.Repository.URL != "" {
		return p.Repository.URL
	}
	if v, ok := p.Latest(); ok {
		return v.Repository.URL
	}
	return ""
}

// ParsePackument decodes a packument document.
func ParsePackument(data []byte) (*Packument, error) {
	var p Packument
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decoding packument")
	}
	return &p, nil
}

// Registry is an npm package registry.
type Registry interface {
	Package(context.Context, string) (*Packument, error)
	Changes(context.Context, int) ([]Change, error)
	WeeklyDownloads(context.Context, string) (int, error)
}

// HTTPRegistry is a Registry implementation that uses the npmjs.org HTTP API.
// Zero-value URL fields fall back to the public npm endpoints.
type HTTPRegistry struct {
	Client       httpx.BasicClient
	RegistryURL  *url.URL
	ChangesURL   *url.URL
	DownloadsURL *url.URL
}

func (r HTTPRegistry) registry() *url.URL {
	if r.RegistryURL != nil {
		return r.RegistryURL
	}
	return registryURL
}

func (r HTTPRegistry) changes() *url.URL {
	if r.ChangesURL != nil {
		return r.ChangesURL
	}
	return changesURL
}

func (r HTTPRegistry) downloads() *url.URL {
	if r.DownloadsURL != nil {
		return r.DownloadsURL
	}
	return downloadsURL
}

// Package returns the full packument for the given package.
func (r HTTPRegistry) Package(ctx context.Context, pkg string) (*Packument, error) {
	pathURL, err := url.Parse(path.Join("/", pkg))
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.registry().ResolveReference(pathURL).String(), nil)
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "package %s", pkg)
	}
	if resp.StatusCode != 200 {
		return nil, errors.Errorf("npm registry error: %v", resp.Status)
	}
	var p Packument
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decoding packument")
	}
	return &p, nil
}

// Changes returns the most recent rows of the replication feed, newest
// first. Replication ids beginning with "_" are design documents, not
// packages, and are skipped.
func (r HTTPRegistry) Changes(ctx context.Context, limit int) ([]Change, error) {
	u := urlx.Copy(r.changes())
	q := u.Query()
	q.Set("descending", "true")
	q.Set("limit", fmt.Sprint(limit))
	u.RawQuery = q.Encode()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, errors.Errorf("npm changes feed error: %v", resp.Status)
	}
	var page changesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, "decoding changes feed")
	}
	changes := make([]Change, 0, len(page.Results))
	for _, c := range page.Results {
		if strings.HasPrefix(c.ID, "_") {
			continue
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// WeeklyDownloads returns last week's download count for the given package.
func (r HTTPRegistry) WeeklyDownloads(ctx context.Context, pkg string) (int, error) {
	u := urlx.Join(r.downloads(), "downloads", "point", "last-week", pkg)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := r.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errors.Wrapf(ErrNotFound, "package %s", pkg)
	}
	if resp.StatusCode != 200 {
		return 0, errors.Errorf("npm downloads error: %v", resp.Status)
	}
	var point DownloadPoint
	if err := json.NewDecoder(resp.Body).Decode(&point); err != nil {
		return 0, errors.Wrap(err, "decoding downloads")
	}
	return point.Downloads, nil
}

var _ Registry = &HTTPRegistry{}
