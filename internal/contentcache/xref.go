// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package contentcache

import (
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ErrNoXrefTable means the PDF could not be parsed far enough to read its
// cross-reference table, so byte ranges would be meaningless to clients.
var ErrNoXrefTable = errors.New("pdf has no readable xref table")

// ReadXref opens the PDF and returns its page count.
func ReadXref(pdfPath string) (pages int, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("%w: %v", ErrNoXrefTable, r)
		}
	}()

	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoXrefTable, err)
	}
	defer f.Close()
	return r.NumPage(), nil
}
