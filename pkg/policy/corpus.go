// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Corpus is the known-hallucination list: exact lowercase names plus
// case-insensitive patterns. Compiled once at load.
type Corpus struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

type corpusFile struct {
	Exact    []string `yaml:"exact"`
	Patterns []string `yaml:"patterns"`
}

// NewCorpus compiles a corpus from exact names and regex patterns.
func NewCorpus(exact, patterns []string) (*Corpus, error) {
	c := &Corpus{exact: make(map[string]bool, len(exact))}
	for _, name := range exact {
		c.exact[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling hallucination pattern %q", pat)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// DefaultCorpus returns the compiled-in hallucination list.
func DefaultCorpus() *Corpus {
	c, err := NewCorpus(
		[]string{
			"openai-python", "chatgpt-api", "gpt4-sdk", "langchain-utils",
			"anthropic-sdk-python", "huggingface-cli", "openai-node",
		},
		[]string{
			`^openai-.*-(sdk|api|client)$`,
			`^(chat)?gpt[-_]?[0-9]*[-_](tools?|utils?|sdk|api)$`,
			`^llama[-_]?cpp[-_]?(python)?[-_](bindings|wrapper)$`,
		})
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCorpus reads the corpus file at path, falling back to the compiled-in
// list when the file is absent.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultCorpus(), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading corpus")
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing corpus")
	}
	return NewCorpus(f.Exact, f.Patterns)
}

// Match reports whether name is a known hallucination and why. The name is
// lowercased before matching, so case differences never change the result.
func (c *Corpus) Match(name string) (bool, string) {
	name = strings.ToLower(name)
	if c.exact[name] {
		return true, fmt.Sprintf("Known hallucinated package name: '%s'", name)
	}
	for _, re := range c.patterns {
		if re.MatchString(name) {
			return true, fmt.Sprintf("Matches hallucination pattern: %s", strings.TrimPrefix(re.String(), "(?i)"))
		}
	}
	return false, ""
}

// Size returns the number of exact names and patterns, for logging.
func (c *Corpus) Size() (exact, patterns int) {
	return len(c.exact), len(c.patterns)
}
