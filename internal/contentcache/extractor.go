// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package contentcache

import "bytes"

var (
	streamMarker    = []byte("stream")
	endstreamMarker = []byte("endstream")
)

// carryLen keeps enough trailing bytes to complete a split "endstream" and
// to see the "end" preceding a split "stream".
const carryLen = len("endstream") - 1

type span struct {
	start int64
	end   int64
}

// streamScanner is an io.Writer that records the byte spans of PDF stream
// objects, from the "stream" keyword up to just past "endstream". Input may
// arrive in arbitrary chunks.
type streamScanner struct {
	offset   int64 // bytes written so far
	carry    []byte
	inStream bool
	start    int64
	spans    []span
}

func (s *streamScanner) Write(p []byte) (int, error) {
	buf := append(s.carry, p...)
	base := s.offset - int64(len(s.carry))
	s.offset += int64(len(p))

	pos := 0
	for pos < len(buf) {
		if !s.inStream {
			i := indexStreamStart(buf, pos)
			if i < 0 {
				break
			}
			s.inStream = true
			s.start = base + int64(i)
			pos = i + len(streamMarker)
			continue
		}
		j := bytes.Index(buf[pos:], endstreamMarker)
		if j < 0 {
			break
		}
		end := pos + j + len(endstreamMarker)
		s.spans = append(s.spans, span{start: s.start, end: base + int64(end)})
		s.inStream = false
		pos = end
	}

	keep := max(pos, len(buf)-carryLen)
	s.carry = append(s.carry[:0:0], buf[keep:]...)
	return len(p), nil
}

// indexStreamStart finds "stream" at or after from that is not the tail of
// an "endstream".
func indexStreamStart(buf []byte, from int) int {
	for from < len(buf) {
		i := bytes.Index(buf[from:], streamMarker)
		if i < 0 {
			return -1
		}
		i += from
		if i < 3 || !bytes.Equal(buf[i-3:i], []byte("end")) {
			return i
		}
		from = i + len(streamMarker)
	}
	return -1
}
