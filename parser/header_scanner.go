package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gosip/stack/sip"
)

// ScanResult reports what a single HeaderScanner.Scan call accomplished.
type ScanResult int

const (
	// ScanNeedMore means chunk ran out mid-line; every byte was consumed
	// (including into the scanner's carried-over partial line).
	ScanNeedMore ScanResult = iota
	// ScanComplete means the header section's terminating blank line was
	// found at the reported consumed offset.
	ScanComplete
	// ScanError means a line could not be turned into a start line or
	// header, or the header count limit was exceeded.
	ScanError
)

// MaxHeaders is the default ceiling on header lines a single message may
// carry before the scanner gives up on it as malformed or abusive.
const MaxHeaders = 256

// HeaderScanner incrementally recognizes a SIP message's start line and
// header section across however many chunks they arrive in over a stream
// connection. It is restartable: Reset discards all in-progress state, so
// one HeaderScanner is reused for every message a connection ever frames.
//
// A HeaderScanner is not safe for concurrent use; it belongs to the one
// connection driving it.
type HeaderScanner struct {
	parser     *Parser
	maxHeaders int

	msg     sip.Message
	line    []byte // bytes of the current, not-yet-terminated line
	headers int
}

// NewHeaderScanner builds a scanner that uses p to turn recognized lines
// into sip.Message / sip.Header values. maxHeaders <= 0 selects MaxHeaders.
func NewHeaderScanner(p *Parser, maxHeaders int) *HeaderScanner {
	if maxHeaders <= 0 {
		maxHeaders = MaxHeaders
	}
	return &HeaderScanner{parser: p, maxHeaders: maxHeaders}
}

// Reset discards any partially scanned line, header count, and in-progress
// message, readying the scanner to frame the next message.
func (s *HeaderScanner) Reset() {
	s.msg = nil
	s.line = s.line[:0]
	s.headers = 0
}

// Message returns the message under construction. It is non-nil as soon as
// the start line has been recognized, even while headers are incomplete.
func (s *HeaderScanner) Message() sip.Message {
	return s.msg
}

// Unconsumed reports the length of the dangling, not-yet-terminated line
// the scanner currently holds. Callers enforce the maximum-unconsumed-
// header-bytes budget against this, independent of Scan's return value.
func (s *HeaderScanner) Unconsumed() int {
	return len(s.line)
}

// Scan consumes complete lines from the front of chunk: the first line
// recognized becomes the start line (via ParseLine), every line after that
// becomes a header, until the section's terminating blank line is seen
// (ScanComplete), chunk runs out mid-line (ScanNeedMore), or a line cannot
// be parsed or the header count limit is exceeded (ScanError).
//
// consumed is always the number of bytes taken from the front of chunk.
// For ScanComplete, chunk[consumed:] is the first byte after the header
// section — outside the scanner's concern from there on.
func (s *HeaderScanner) Scan(chunk []byte) (consumed int, result ScanResult, err error) {
	for consumed < len(chunk) {
		nl := bytes.IndexByte(chunk[consumed:], '\n')
		if nl == -1 {
			s.line = append(s.line, chunk[consumed:]...)
			return len(chunk), ScanNeedMore, nil
		}

		lineEnd := consumed + nl
		s.line = append(s.line, chunk[consumed:lineEnd]...)
		consumed = lineEnd + 1

		text := strings.TrimSuffix(string(s.line), "\r")
		s.line = s.line[:0]

		if s.msg == nil {
			if text == "" {
				// Leading blank lines between messages aren't this
				// scanner's concern; the frame reader strips keep-alive
				// CRLFs before ever handing it a fresh chunk.
				continue
			}
			msg, perr := ParseLine(text)
			if perr != nil {
				return consumed, ScanError, fmt.Errorf("malformed start line: %w", perr)
			}
			s.msg = msg
			continue
		}

		if text == "" {
			return consumed, ScanComplete, nil
		}

		s.headers++
		if s.headers > s.maxHeaders {
			return consumed, ScanError, fmt.Errorf("header count exceeds %d", s.maxHeaders)
		}

		header, herr := s.parser.ParseHeader(text)
		if herr != nil {
			return consumed, ScanError, fmt.Errorf("malformed header %q: %w", text, herr)
		}
		s.msg.AppendHeader(header)
	}

	return consumed, ScanNeedMore, nil
}
