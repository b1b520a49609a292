// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package compile

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/tomtom215/texforge/internal/models"
	"github.com/tomtom215/texforge/internal/runner"
)

var (
	latexRunPattern     = regexp.MustCompile(`(?m)^Run number \d+ of .*latex`)
	latexmkErrorPattern = regexp.MustCompile(`(?m)^Latexmk: Errors`)
	cpuPercentPattern   = regexp.MustCompile(`(?m)Percent of CPU this job got: (\d+)`)
	userTimePattern     = regexp.MustCompile(`(?m)User time.*: (\d+\.\d+)`)
	systemTimePattern   = regexp.MustCompile(`(?m)System time.*: (\d+\.\d+)`)
)

// parseRunStats extracts latexmk run counts and /usr/bin/time figures.
func parseRunStats(out *runner.Output, stats models.Stats, timings models.Timings) {
	if out == nil {
		return
	}
	runs := int64(len(latexRunPattern.FindAllStringIndex(out.Stderr, -1)))
	var failed int64
	if latexmkErrorPattern.MatchString(out.Stdout) {
		failed = 1
	}

	stats["latexmk-errors"] = failed
	stats["latex-runs"] = runs
	stats["latex-runs-with-errors"] = failed * runs
	stats[fmt.Sprintf("latex-runs-%d", runs)] = 1
	stats[fmt.Sprintf("latex-runs-with-errors-%d", runs)] = failed

	if m := cpuPercentPattern.FindStringSubmatch(out.Stderr); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			timings["cpu-percent"] = n
		}
	}
	if ms, ok := secondsToMillis(userTimePattern, out.Stderr); ok {
		timings["cpu-time"] = ms
	}
	if ms, ok := secondsToMillis(systemTimePattern, out.Stderr); ok {
		timings["sys-time"] = ms
	}
}

func secondsToMillis(re *regexp.Regexp, s string) (int64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int64(f * 1000), true
}
