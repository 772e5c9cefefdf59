// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package npmscripts statically analyses npm package scripts for dangerous
// command patterns.
package npmscripts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/phantomscan/pkg/radar"
)

type pattern struct {
	re    *regexp.Regexp
	label string
}

func mustPattern(expr, label string) pattern {
	return pattern{regexp.MustCompile("(?i)" + expr), label}
}

// catalogue is the fixed table of dangerous command patterns, compiled once.
var catalogue = []pattern{
	// Network access and download tools.
	mustPattern(`\bcurl\b`, "Uses curl for network requests"),
	mustPattern(`\bwget\b`, "Uses wget for downloads"),
	mustPattern(`\bInvoke-WebRequest\b`, "Uses PowerShell web requests"),
	mustPattern(`\bInvoke-RestMethod\b`, "Uses PowerShell REST calls"),
	// Shell execution.
	mustPattern(`\bpowershell\b`, "Executes PowerShell"),
	mustPattern(`\bcmd\.exe\b`, "Executes cmd.exe"),
	mustPattern(`\bsh\s+-c\b`, "Shell command execution"),
	mustPattern(`\bbash\s+-c\b`, "Bash command execution"),
	// Permission changes.
	mustPattern(`\bchmod\s+\+x\b`, "Makes files executable"),
	mustPattern(`\bchmod\s+777\b`, "Sets world-writable permissions"),
	// Encoding and inline evaluation.
	mustPattern(`\bbase64\b`, "Base64 encoding/decoding"),
	mustPattern(`\beval\b`, "Uses eval() for code execution"),
	mustPattern(`\bnode\s+-e\b`, "Node.js inline code execution"),
	mustPattern(`\bnode\s+--eval\b`, "Node.js eval flag"),
	// Sensitive environment variables.
	mustPattern(`\bGITHUB_TOKEN\b`, "Accesses GitHub token"),
	mustPattern(`\bNPM_TOKEN\b`, "Accesses NPM token"),
	mustPattern(`\bSSH_[A-Z_]+\b`, "Accesses SSH credentials"),
	mustPattern(`\.env\b`, "References .env file"),
	mustPattern(`\bAWS_[A-Z_]+\b`, "Accesses AWS credentials"),
	// Filesystem manipulation.
	mustPattern(`\brm\s+-rf\b`, "Recursive force delete"),
	mustPattern(`\bdd\s+if=`, "Disk duplication tool"),
	// Process injection.
	mustPattern(`\bptrace\b`, "Process tracing/injection"),
	mustPattern(`\bLD_PRELOAD\b`, "Dynamic library injection"),
}

var autoRunScripts = []string{"install", "preinstall", "postinstall"}

// Lint scans the script table for dangerous patterns and returns a risk in
// [0, 1] plus per-script reasons. Non-string script values are ignored: the
// table is author-controlled package.json content.
func Lint(scripts map[string]any) (float64, []string) {
	if len(scripts) == 0 {
		return 0, nil
	}
	var reasons []string
	var autoRun []string
	for _, name := range autoRunScripts {
		if _, ok := scripts[name]; ok {
			autoRun = append(autoRun, name)
		}
	}
	sort.Strings(autoRun)
	if len(autoRun) > 0 {
		reasons = append(reasons, fmt.Sprintf("Has auto-run scripts: %s", strings.Join(autoRun, ", ")))
	}

	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	var hits int
	for _, name := range names {
		content, ok := scripts[name].(string)
		if !ok {
			continue
		}
		var labels []string
		for _, p := range catalogue {
			if p.re.MatchString(content) {
				hits++
				labels = append(labels, p.label)
			}
		}
		if len(labels) > 0 {
			sort.Strings(labels)
			reasons = append(reasons, fmt.Sprintf("Script '%s': %s", name, strings.Join(labels, ", ")))
		}
	}

	risk := min(0.15*float64(hits), 0.7)
	switch {
	case len(autoRun) > 0 && hits > 0:
		risk = min(max(risk, 0.4)+0.3, 1.0)
		reasons = append(reasons, "CRITICAL: Auto-run scripts contain dangerous patterns")
	case len(autoRun) > 0:
		risk = max(risk, 0.4)
	}
	return radar.Clamp01(risk), reasons
}
