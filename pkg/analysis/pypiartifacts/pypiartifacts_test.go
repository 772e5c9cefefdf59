// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pypiartifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func hasReasonContaining(reasons []string, sub string) bool {
	for _, r := range reasons {
		if strings.Contains(r, sub) {
			return true
		}
	}
	return false
}

func TestStaticScan(t *testing.T) {
	testCases := []struct {
		name         string
		files        map[string]string
		expectedHits int
		expectedSub  string
	}{
		{
			name: "clean package",
			files: map[string]string{
				"pkg/util.py": "def add(a, b):\n    return a + b\n",
			},
			expectedHits: 0,
		},
		{
			name: "eval usage",
			files: map[string]string{
				"pkg/loader.py": "def load(s):\n    return eval(s)\n",
			},
			expectedHits: 1,
			expectedSub:  "Uses eval() for code evaluation",
		},
		{
			name: "base64 obfuscation",
			files: map[string]string{
				"pkg/payload.py": "import base64\ndata = base64.b64decode(blob)\n",
			},
			expectedHits: 1,
			expectedSub:  "Base64 decoding (potential obfuscation)",
		},
		{
			name: "shell execution",
			files: map[string]string{
				"pkg/run.py": "import subprocess\nsubprocess.run(cmd, shell=True)\n",
			},
			expectedHits: 1,
			expectedSub:  "Shell command execution",
		},
		{
			name: "credential harvesting",
			files: map[string]string{
				"pkg/creds.py": "import os\ntoken = os.environ['X']\napi_key = os.getenv('K')\n",
			},
			expectedHits: 1,
			expectedSub:  "Reads credentials from environment",
		},
		{
			name: "one hit per file",
			files: map[string]string{
				"pkg/bad.py": "exec(x)\neval(y)\nos.system(z)\n",
			},
			expectedHits: 1,
			expectedSub:  "Uses exec() for code execution",
		},
		{
			name: "entry point calls system",
			files: map[string]string{
				"setup.py": "setup(entry_points={'console_scripts': ['x = pkg.cli:run_system']})\n",
			},
			expectedHits: 1,
			expectedSub:  "Entry point calls system",
		},
		{
			name: "pyproject script target",
			files: map[string]string{
				"pyproject.toml": "[project]\nname = \"pkg\"\n\n[project.scripts]\nx = \"pkg.cli:do_exec\"\n",
			},
			expectedHits: 1,
			expectedSub:  "Entry point uses exec",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTree(t, dir, tc.files)
			hits, reasons := StaticScan(dir)
			if hits != tc.expectedHits {
				t.Errorf("hits: got %d, want %d (reasons: %v)", hits, tc.expectedHits, reasons)
			}
			if tc.expectedSub != "" && !hasReasonContaining(reasons, tc.expectedSub) {
				t.Errorf("missing reason containing %q in %v", tc.expectedSub, reasons)
			}
		})
	}
}

func TestStaticScanInitExecution(t *testing.T) {
	content := strings.Join([]string{
		"import os",
		"x = 1",
		"y = 2",
		"z = 3",
		"a = 4",
		"b = 5",
		"c = 6",
		"os.system('echo hi')",
	}, "\n")
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"pkg/__init__.py": content})
	hits, reasons := StaticScan(dir)
	// os.system matches the catalogue and the import-time-execution check.
	if hits != 2 {
		t.Errorf("hits: got %d, want 2 (reasons: %v)", hits, reasons)
	}
	if !hasReasonContaining(reasons, "Executes code on import") {
		t.Errorf("missing import-execution reason in %v", reasons)
	}
}

func TestExecutesOnImport(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		expected bool
	}{
		{
			name:     "imports only",
			content:  "import os\nimport subprocess\nfrom x import y\n__version__ = '1.0'\n",
			expected: false,
		},
		{
			name:     "short body with exec",
			content:  "exec(x)\n",
			expected: false,
		},
		{
			name: "substantive body with system call",
			content: "a=1\nb=2\nc=3\nd=4\ne=5\nf=6\n" +
				"os.system('x')\n",
			expected: true,
		},
		{
			name:     "substantive body without execution",
			content:  "a=1\nb=2\nc=3\nd=4\ne=5\nf=6\ng=7\n",
			expected: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := executesOnImport(tc.content); got != tc.expected {
				t.Errorf("executesOnImport: got %t, want %t", got, tc.expected)
			}
		})
	}
}

func TestCompareSdistWheel(t *testing.T) {
	t.Run("matching trees", func(t *testing.T) {
		sdist, wheel := t.TempDir(), t.TempDir()
		writeTree(t, sdist, map[string]string{
			"pkg-1.0.0/pkg/__init__.py": "",
			"pkg-1.0.0/pkg/core.py":     "def f(): pass\n",
			"pkg-1.0.0/setup.py":        "from setuptools import setup\nsetup()\n",
		})
		writeTree(t, wheel, map[string]string{
			"pkg/__init__.py": "",
			"pkg/core.py":     "def f(): pass\n",
		})
		mismatch, reasons := CompareSdistWheel(sdist, wheel)
		if mismatch {
			t.Errorf("unexpected mismatch: %v", reasons)
		}
	})
	t.Run("wheel-only file", func(t *testing.T) {
		sdist, wheel := t.TempDir(), t.TempDir()
		writeTree(t, sdist, map[string]string{
			"pkg-1.0.0/pkg/__init__.py": "",
		})
		writeTree(t, wheel, map[string]string{
			"pkg/__init__.py": "",
			"pkg/hidden.py":   "import os\n",
		})
		mismatch, reasons := CompareSdistWheel(sdist, wheel)
		if !mismatch {
			t.Fatal("expected mismatch for wheel-only file")
		}
		if !hasReasonContaining(reasons, "Wheel contains 1 files not in sdist") {
			t.Errorf("missing wheel-only reason in %v", reasons)
		}
	})
	t.Run("setup.py with exec", func(t *testing.T) {
		sdist, wheel := t.TempDir(), t.TempDir()
		writeTree(t, sdist, map[string]string{
			"pkg-1.0.0/pkg/__init__.py": "",
			"pkg-1.0.0/setup.py":        "exec(open('x').read())\nsetup()\n",
		})
		writeTree(t, wheel, map[string]string{
			"pkg/__init__.py": "",
		})
		mismatch, reasons := CompareSdistWheel(sdist, wheel)
		if !mismatch {
			t.Fatal("expected mismatch for exec in setup.py")
		}
		if !hasReasonContaining(reasons, "setup.py contains exec/eval") {
			t.Errorf("missing setup.py reason in %v", reasons)
		}
	})
	t.Run("missing side is neutral", func(t *testing.T) {
		if mismatch, _ := CompareSdistWheel("", t.TempDir()); mismatch {
			t.Error("empty sdist dir must not mismatch")
		}
		if mismatch, _ := CompareSdistWheel(t.TempDir(), ""); mismatch {
			t.Error("empty wheel dir must not mismatch")
		}
	})
	t.Run("test directories ignored", func(t *testing.T) {
		sdist, wheel := t.TempDir(), t.TempDir()
		writeTree(t, sdist, map[string]string{
			"pkg-1.0.0/pkg/__init__.py": "",
		})
		writeTree(t, wheel, map[string]string{
			"pkg/__init__.py":  "",
			"tests/test_it.py": "def test(): pass\n",
		})
		if mismatch, reasons := CompareSdistWheel(sdist, wheel); mismatch {
			t.Errorf("test files should be excluded from comparison: %v", reasons)
		}
	})
}
