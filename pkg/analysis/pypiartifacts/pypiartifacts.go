// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pypiartifacts downloads and statically analyses PyPI release
// artifacts, comparing the sdist against the wheel and scanning the
// extracted Python sources for dangerous patterns.
package pypiartifacts

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/phantomscan/internal/archive"
	"github.com/google/phantomscan/pkg/radar"
	"github.com/google/phantomscan/pkg/registry/pypi"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

type pattern struct {
	re    *regexp.Regexp
	label string
}

func mustPattern(expr, label string) pattern {
	return pattern{regexp.MustCompile("(?im)" + expr), label}
}

// catalogue is the fixed table of dangerous Python patterns, compiled once.
// At most one hit is recorded per scanned file; the first match wins.
var catalogue = []pattern{
	// Code execution.
	mustPattern(`\bexec\s*\(`, "Uses exec() for code execution"),
	mustPattern(`\beval\s*\(`, "Uses eval() for code evaluation"),
	mustPattern(`\bcompile\s*\(`, "Dynamically compiles code"),
	mustPattern(`\b__import__\s*\(`, "Dynamic import"),
	// Network access with credential-shaped arguments.
	mustPattern(`requests\.(?:get|post)\s*\([^)]*(?:token|password|key|secret)`, "Sends credentials over network"),
	mustPattern(`urllib\.request\.urlopen\s*\([^)]*(?:token|password|key|secret)`, "Sends credentials over network"),
	mustPattern(`http\.client\.[A-Z]`, "Low-level HTTP client usage"),
	// Obfuscation.
	mustPattern(`base64\.b64decode\s*\(`, "Base64 decoding (potential obfuscation)"),
	mustPattern(`base64\.decodebytes\s*\(`, "Base64 decoding"),
	// Process execution.
	mustPattern(`subprocess\.(?:call|run|Popen)\s*\([^)]*shell\s*=\s*True`, "Shell command execution"),
	mustPattern(`os\.system\s*\(`, "OS command execution"),
	mustPattern(`os\.popen\s*\(`, "OS popen execution"),
	// Sensitive filesystem locations.
	mustPattern(`open\s*\([^)]*['"](?:/etc/|/root/|\.ssh/|\.aws/)`, "Accesses sensitive system directories"),
	// Credential harvesting.
	mustPattern(`(?:password|passwd|token|secret|api[_-]?key)\s*=\s*os\.(?:environ|getenv)`, "Reads credentials from environment"),
	// Unusual setup.py patterns.
	mustPattern(`setup\s*\([^)]*cmdclass\s*=`, "Custom command classes in setup.py"),
	mustPattern(`setup\s*\([^)]*install_requires.*(?:exec|eval)`, "Suspicious install_requires"),
}

// entryPatterns flag console_scripts targets that execute on invocation.
var entryPatterns = []pattern{
	mustPattern(`console_scripts.*=.*:.*system`, "Entry point calls system"),
	mustPattern(`console_scripts.*=.*:.*exec`, "Entry point uses exec"),
}

var (
	execRe = regexp.MustCompile(`\bexec\s*\(`)
	evalRe = regexp.MustCompile(`\beval\s*\(`)
)

// skipDirs are path components excluded from the sdist/wheel comparison.
var skipDirs = map[string]bool{"tests": true, "test": true, "docs": true, "examples": true}

// Analyzer downloads and scans release artifacts.
type Analyzer struct {
	Registry pypi.Registry
}

// Analyze scans the latest release of the project. It is best-effort: any
// download or extraction failure yields the neutral zero risk. Temporary
// extraction directories are removed on every path.
func (a *Analyzer) Analyze(ctx context.Context, project *pypi.Project) (float64, []string) {
	artifacts := project.Releases[project.Info.Version]
	if len(artifacts) == 0 {
		artifacts = project.Artifacts
	}
	var sdistURL, wheelURL string
	for _, art := range artifacts {
		if sdistURL == "" && art.IsSdist() {
			sdistURL = art.URL
		} else if wheelURL == "" && art.IsWheel() {
			wheelURL = art.URL
		}
	}
	if sdistURL == "" && wheelURL == "" {
		return 0, nil
	}
	tmpDir, err := os.MkdirTemp("", "phantomscan-artifacts-")
	if err != nil {
		log.Printf("artifact analysis: creating temp dir: %v", err)
		return 0, nil
	}
	defer os.RemoveAll(tmpDir)

	var sdistDir, wheelDir string
	if sdistURL != "" {
		dir := filepath.Join(tmpDir, "sdist")
		if err := a.fetchAndExtract(ctx, sdistURL, dir, false); err != nil {
			log.Printf("artifact analysis: sdist %s: %v", sdistURL, err)
		} else {
			sdistDir = dir
		}
	}
	if wheelURL != "" {
		dir := filepath.Join(tmpDir, "wheel")
		if err := a.fetchAndExtract(ctx, wheelURL, dir, true); err != nil {
			log.Printf("artifact analysis: wheel %s: %v", wheelURL, err)
		} else {
			wheelDir = dir
		}
	}

	mismatch, reasons := CompareSdistWheel(sdistDir, wheelDir)
	hits, scanReasons := StaticScan(tmpDir)
	reasons = append(reasons, scanReasons...)

	risk := min(float64(hits)/10, 1.0)
	if mismatch {
		risk += 0.5
	}
	return radar.Clamp01(risk), reasons
}

func (a *Analyzer) fetchAndExtract(ctx context.Context, artifactURL, dir string, isZip bool) error {
	body, err := a.Registry.Artifact(ctx, artifactURL)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if isZip {
		return archive.ExtractZip(body, dir)
	}
	return archive.ExtractTarGz(body, dir)
}

// CompareSdistWheel flags wheels carrying Python files absent from the sdist
// and sdists whose setup.py executes code during build. Either directory may
// be empty, in which case there is nothing to compare.
func CompareSdistWheel(sdistDir, wheelDir string) (bool, []string) {
	if sdistDir == "" || wheelDir == "" {
		return false, nil
	}
	// Sdists nest everything under a single name-version directory; strip it
	// so the path sets are comparable to the wheel's.
	sdistFiles := stripRoot(pyFiles(sdistDir, true))
	wheelFiles := pyFiles(wheelDir, true)
	var mismatch bool
	var reasons []string
	var wheelOnly int
	for f := range wheelFiles {
		if !sdistFiles[f] {
			wheelOnly++
		}
	}
	if wheelOnly > 0 {
		mismatch = true
		reasons = append(reasons, fmt.Sprintf("Wheel contains %d files not in sdist", wheelOnly))
	}
	if content, err := readSetupPy(sdistDir); err == nil {
		if execRe.MatchString(content) || evalRe.MatchString(content) {
			mismatch = true
			reasons = append(reasons, "setup.py contains exec/eval (may inject code during build)")
		}
	}
	return mismatch, reasons
}

// StaticScan walks all extracted Python sources under dir and counts
// catalogue hits, plus entry-point and import-time-execution checks.
func StaticScan(dir string) (int, []string) {
	if dir == "" {
		return 0, nil
	}
	var hits int
	var reasons []string
	for _, rel := range sortedPyFiles(dir) {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		for _, p := range catalogue {
			if p.re.Match(content) {
				hits++
				reasons = append(reasons, fmt.Sprintf("%s: %s", rel, p.label))
				break
			}
		}
		if filepath.Base(rel) == "__init__.py" && executesOnImport(string(content)) {
			hits++
			reasons = append(reasons, fmt.Sprintf("%s: Executes code on import", rel))
		}
	}
	if content, err := readSetupPy(dir); err == nil {
		for _, p := range entryPatterns {
			if p.re.MatchString(content) {
				hits++
				reasons = append(reasons, fmt.Sprintf("setup.py: %s", p.label))
			}
		}
	}
	h, r := scanPyprojects(dir)
	hits += h
	reasons = append(reasons, r...)
	return hits, reasons
}

// executesOnImport reports whether an __init__.py holds substantive
// top-level code alongside execution primitives. Imports, comments, and
// dunder assignments do not count as substantive.
func executesOnImport(content string) bool {
	var substantive int
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ") ||
			strings.HasPrefix(line, "__") {
			continue
		}
		substantive++
	}
	if substantive <= 5 {
		return false
	}
	for _, keyword := range []string{"exec(", "eval(", "os.system", "subprocess"} {
		if strings.Contains(content, keyword) {
			return true
		}
	}
	return false
}

// pyprojectDoc is the subset of pyproject.toml consulted for entry points.
type pyprojectDoc struct {
	Project struct {
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
}

// scanPyprojects inspects declared [project.scripts] targets the same way
// the setup.py entry-point patterns do.
func scanPyprojects(dir string) (int, []string) {
	var hits int
	var reasons []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != "pyproject.toml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var doc pyprojectDoc
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil
		}
		names := make([]string, 0, len(doc.Project.Scripts))
		for name := range doc.Project.Scripts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, target, _ := strings.Cut(doc.Project.Scripts[name], ":")
			switch {
			case strings.Contains(target, "system"):
				hits++
				reasons = append(reasons, "pyproject.toml: Entry point calls system")
			case strings.Contains(target, "exec"):
				hits++
				reasons = append(reasons, "pyproject.toml: Entry point uses exec")
			}
		}
		return nil
	})
	return hits, reasons
}

func readSetupPy(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "setup.py"))
	if err != nil {
		return "", err
	}
	if direct := filepath.Join(dir, "setup.py"); fileExists(direct) {
		matches = append([]string{direct}, matches...)
	}
	if len(matches) == 0 {
		return "", errors.New("no setup.py")
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stripRoot adds each path's root-stripped form when all paths share one
// top-level directory.
func stripRoot(files map[string]bool) map[string]bool {
	var root string
	for f := range files {
		first, _, ok := strings.Cut(f, "/")
		if !ok {
			return files
		}
		if root == "" {
			root = first
		} else if root != first {
			return files
		}
	}
	out := make(map[string]bool, 2*len(files))
	for f := range files {
		out[f] = true
		if stripped, ok := strings.CutPrefix(f, root+"/"); ok {
			out[stripped] = true
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// pyFiles collects .py files under dir keyed by their slash-relative path.
// With skipCommon set, paths under test/doc/example directories are omitted.
func pyFiles(dir string, skipCommon bool) map[string]bool {
	files := make(map[string]bool)
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skipCommon {
			for _, part := range strings.Split(rel, "/") {
				if skipDirs[part] {
					return nil
				}
			}
		}
		files[rel] = true
		return nil
	})
	return files
}

func sortedPyFiles(dir string) []string {
	files := pyFiles(dir, false)
	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
