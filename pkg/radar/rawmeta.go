// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package radar

import (
	"encoding/json"

	"github.com/google/phantomscan/pkg/registry/npm"
	"github.com/google/phantomscan/pkg/registry/pypi"
	"github.com/pkg/errors"
)

// RawMetadata is the registry document retained from ingestion, tagged by
// ecosystem. Enrichment and content analysis read registry fields only
// through the per-variant document, never from untyped JSON. The document is
// never mutated after construction.
type RawMetadata struct {
	kind      Ecosystem
	pypi      *pypi.Project
	packument *npm.Packument
}

// NewPyPIMetadata wraps a PyPI project document.
func NewPyPIMetadata(p *pypi.Project) *RawMetadata {
	return &RawMetadata{kind: PyPI, pypi: p}
}

// NewNPMMetadata wraps an npm packument.
func NewNPMMetadata(p *npm.Packument) *RawMetadata {
	return &RawMetadata{kind: NPM, packument: p}
}

// Kind returns the ecosystem the document came from.
func (m *RawMetadata) Kind() Ecosystem {
	return m.kind
}

// PyPI returns the project document for PyPI metadata.
func (m *RawMetadata) PyPI() (*pypi.Project, bool) {
	if m == nil || m.kind != PyPI || m.pypi == nil {
		return nil, false
	}
	return m.pypi, true
}

// NPM returns the packument for npm metadata.
func (m *RawMetadata) NPM() (*npm.Packument, bool) {
	if m == nil || m.kind != NPM || m.packument == nil {
		return nil, false
	}
	return m.packument, true
}

// ReadmeText returns the longest descriptive text the registry document
// carries: the npm readme or the PyPI long description, falling back to the
// candidate summary.
func (c PackageCandidate) ReadmeText() string {
	if p, ok := c.RawMetadata.NPM(); ok && p.Readme != "" {
		return p.Readme
	}
	if p, ok := c.RawMetadata.PyPI(); ok && p.Info.Description != "" {
		return p.Info.Description
	}
	return c.Description
}

// rawMetadataJSON carries the kind discriminator so raw JSONL rows and DB
// columns re-parse into the correct variant.
type rawMetadataJSON struct {
	Kind      Ecosystem       `json:"kind"`
	Project   json.RawMessage `json:"project,omitempty"`
	Packument json.RawMessage `json:"packument,omitempty"`
}

func (m RawMetadata) MarshalJSON() ([]byte, error) {
	out := rawMetadataJSON{Kind: m.kind}
	var err error
	switch m.kind {
	case PyPI:
		if m.pypi != nil {
			out.Project, err = json.Marshal(m.pypi)
		}
	case NPM:
		if m.packument != nil {
			out.Packument, err = json.Marshal(m.packument)
		}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (m *RawMetadata) UnmarshalJSON(data []byte) error {
	var in rawMetadataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case PyPI:
		m.kind = PyPI
		if len(in.Project) > 0 {
			m.pypi = new(pypi.Project)
			return json.Unmarshal(in.Project, m.pypi)
		}
		return nil
	case NPM:
		m.kind = NPM
		if len(in.Packument) > 0 {
			m.packument = new(npm.Packument)
			return json.Unmarshal(in.Packument, m.packument)
		}
		return nil
	default:
		return errors.Errorf("unknown raw metadata kind: %q", in.Kind)
	}
}
