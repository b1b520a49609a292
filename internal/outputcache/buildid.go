// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package outputcache

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var buildIDPattern = regexp.MustCompile(`^[0-9a-f]+-[0-9a-f]+$`)

// GenerateBuildID returns hex(unix ms) + "-" + hex(8 random bytes). IDs sort
// by creation time when compared as parsed timestamps.
func GenerateBuildID(now time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return strconv.FormatInt(now.UnixMilli(), 16) + "-" + hex.EncodeToString(b[:])
}

// ValidBuildID reports whether id has the build id shape.
func ValidBuildID(id string) bool {
	return buildIDPattern.MatchString(id)
}

// BuildIDTime extracts the creation time embedded in id.
func BuildIDTime(id string) (time.Time, error) {
	if !ValidBuildID(id) {
		return time.Time{}, fmt.Errorf("invalid build id %q", id)
	}
	ts, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(ts, 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid build id %q: %w", id, err)
	}
	return time.UnixMilli(ms), nil
}

func newContentID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
