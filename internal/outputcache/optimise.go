// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package outputcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

// qpdf exits 3 when it succeeded with warnings.
const qpdfExitWarnings = 3

// Optimise linearizes the PDF at path in place. Failures are logged and
// counted; the original file is left untouched.
func (s *Store) Optimise(ctx context.Context, path string) {
	if err := s.optimise(ctx, path); err != nil {
		metrics.OutputOptimiseFailures.Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("pdf optimisation failed")
	}
}

func (s *Store) optimise(ctx context.Context, path string) error {
	linearized, err := isLinearized(path)
	if err != nil {
		return err
	}
	if linearized {
		return nil
	}

	qpdf := s.opts.QpdfPath
	if qpdf == "" {
		qpdf = "qpdf"
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".opt")
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, qpdf, "--linearize", "--newline-before-endstream", path, tmp)
	if out, err := cmd.CombinedOutput(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != qpdfExitWarnings {
			return fmt.Errorf("qpdf: %w: %s", err, bytes.TrimSpace(out))
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace optimised pdf: %w", err)
	}
	return nil
}

// isLinearized checks the first kilobyte for the linearization dictionary.
func isLinearized(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 1024)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Contains(head[:n], []byte("/Linearized")), nil
}
