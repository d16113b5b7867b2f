package transport

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/gosip/stack/parser"
	"github.com/gosip/stack/sip"

	"github.com/rs/zerolog"
)

// Limits bounds how much a single connection's Frame Reader will buffer or
// accept before giving up on the message it is currently framing.
type Limits struct {
	// ChunkSize only sizes the initial read buffer; Go's append already
	// grows it as needed, so there is no manual growth formula to tune.
	ChunkSize int
	// MaxHeaders caps how many header lines one message may carry.
	MaxHeaders int
	// MaxUnconsumedHeaderBytes caps how long a single header line (or the
	// start line) may run before being considered abusive.
	MaxUnconsumedHeaderBytes int
	// MaxBodyBytes caps Content-Length; bodies larger than this are
	// refused outright rather than buffered.
	MaxBodyBytes int
}

// DefaultLimits matches the limits the original connection-framing code
// enforced: 256 headers, a 2KiB unconsumed-header-line budget, and a
// 10MiB body cap.
func DefaultLimits() Limits {
	return Limits{
		ChunkSize:                2048,
		MaxHeaders:               parser.MaxHeaders,
		MaxUnconsumedHeaderBytes: 2048,
		MaxBodyBytes:             10 << 20,
	}
}

type connState int

const (
	connNewMessage connState = iota
	connReadingHeaders
	connPartialBody
)

var crlfcrlf = []byte("\r\n\r\n")

// frameReader turns bytes read off one stream connection into discrete
// sip.Message values. It replays three states: waiting for a new message
// (including recognizing a bare keep-alive double CRLF), reading headers,
// and reading a fixed-length body — handling fragmentation and pipelined
// messages within a single Feed call. It is not safe for concurrent use;
// it belongs to exactly one connection's read goroutine.
type frameReader struct {
	limits  Limits
	scanner *parser.HeaderScanner
	log     zerolog.Logger
	onPing  func()
	network string

	state      connState
	carry      []byte
	pendingMsg sip.Message
	body       []byte
	bodyPos    int
}

func newFrameReader(par *parser.Parser, limits Limits, log zerolog.Logger, network string, onPing func()) *frameReader {
	return &frameReader{
		limits:  limits,
		scanner: parser.NewHeaderScanner(par, limits.MaxHeaders),
		log:     log,
		onPing:  onPing,
		network: network,
		state:   connNewMessage,
	}
}

// Feed appends data read off the wire and drives the state machine,
// delivering every message framed from it (plus whatever was carried over
// from a previous Feed) to sink. It never blocks.
func (r *frameReader) Feed(data []byte, sink MessageSink) error {
	r.carry = append(r.carry, data...)

	for {
		switch r.state {
		case connNewMessage:
			if !r.stepNewMessage() {
				return nil
			}

		case connReadingHeaders:
			done, err := r.stepReadingHeaders(sink)
			if err != nil {
				return err
			}
			if !done {
				return nil
			}

		case connPartialBody:
			if !r.stepPartialBody(sink) {
				return nil
			}
		}
	}
}

// stepNewMessage reports whether the state machine should keep looping
// (true) or has run out of bytes to make progress with (false).
func (r *frameReader) stepNewMessage() bool {
	if len(r.carry) == 0 {
		return false
	}

	if bytes.HasPrefix(r.carry, crlfcrlf) {
		r.carry = r.carry[4:]
		if r.onPing != nil {
			r.onPing()
		}
		return true
	}

	// A short prefix of an incoming double-CRLF keep-alive looks
	// identical to the start of a real message until more bytes arrive;
	// hold off committing to ReadingHeaders until we can tell them apart.
	if len(r.carry) < 4 && len(bytes.Trim(r.carry, "\r\n")) == 0 {
		return false
	}

	r.scanner.Reset()
	r.state = connReadingHeaders
	return true
}

func (r *frameReader) stepReadingHeaders(sink MessageSink) (bool, error) {
	consumed, result, serr := r.scanner.Scan(r.carry)
	r.carry = r.carry[consumed:]

	switch result {
	case parser.ScanError:
		r.log.Debug().Err(serr).Msg("malformed header section, dropping message")
		framesTotal.WithLabelValues(r.network, "malformed").Inc()
		r.scanner.Reset()
		r.state = connNewMessage
		return true, nil

	case parser.ScanNeedMore:
		if r.scanner.Unconsumed() > r.limits.MaxUnconsumedHeaderBytes {
			r.log.Debug().Int("unconsumed", r.scanner.Unconsumed()).Msg("header field too long, dropping message")
			r.scanner.Reset()
			r.state = connNewMessage
			return true, nil
		}
		return false, nil

	case parser.ScanComplete:
		msg := r.scanner.Message()
		r.scanner.Reset()

		contentLength, err := contentLengthOf(msg)
		if err != nil {
			r.log.Debug().Err(err).Msg("bad Content-Length, dropping message")
			r.state = connNewMessage
			return true, nil
		}
		if contentLength < 0 || contentLength > r.limits.MaxBodyBytes {
			r.log.Debug().Int("contentLength", contentLength).Msg("body exceeds limit, dropping message")
			framesTotal.WithLabelValues(r.network, "oversized").Inc()
			r.state = connNewMessage
			return true, nil
		}
		if contentLength == 0 {
			r.deliver(msg, sink)
			r.state = connNewMessage
			return true, nil
		}

		r.pendingMsg = msg
		r.body = make([]byte, contentLength)
		r.bodyPos = 0
		r.state = connPartialBody
		return true, nil
	}

	return true, nil
}

func (r *frameReader) stepPartialBody(sink MessageSink) bool {
	if len(r.carry) == 0 {
		return false
	}

	n := copy(r.body[r.bodyPos:], r.carry)
	r.bodyPos += n
	r.carry = r.carry[n:]

	if r.bodyPos < len(r.body) {
		return false
	}

	r.pendingMsg.SetBody(r.body)
	r.deliver(r.pendingMsg, sink)
	r.pendingMsg = nil
	r.body = nil
	r.state = connNewMessage
	return true
}

// deliver applies the sink's congestion/emission policy and basic
// structural check to a fully framed message before handing it over.
func (r *frameReader) deliver(msg sip.Message, sink MessageSink) {
	behavior, retryAfter := sink.Congestion()
	req, isRequest := msg.(*sip.Request)

	if isRequest && behavior == RejectionNonEssential {
		r.log.Debug().Str("msg", msg.Short()).Msg("rejecting new request under congestion")
		framesTotal.WithLabelValues(r.network, "rejected").Inc()
		sink.Reject(req, retryAfter)
		return
	}

	if isRequest && !req.IsAck() && behavior == RejectionNewWork {
		r.log.Debug().Str("msg", msg.Short()).Msg("rejecting new request under congestion")
		framesTotal.WithLabelValues(r.network, "rejected").Inc()
		sink.Reject(req, retryAfter)
		return
	}

	if !isRequest && behavior == RejectionNonEssential {
		r.log.Debug().Str("msg", msg.Short()).Msg("dropping non-essential message under congestion")
		framesTotal.WithLabelValues(r.network, "dropped").Inc()
		return
	}

	if !sink.BasicCheck(msg) {
		r.log.Debug().Str("msg", msg.Short()).Msg("message failed basic check, dropping")
		framesTotal.WithLabelValues(r.network, "dropped").Inc()
		return
	}

	framesTotal.WithLabelValues(r.network, "delivered").Inc()
	sink.Handle(msg)
}

func contentLengthOf(msg sip.Message) (int, error) {
	hdrs := msg.GetHeaders("Content-Length")
	if len(hdrs) == 0 {
		return 0, nil
	}
	if clh, ok := hdrs[0].(*sip.ContentLengthHeader); ok {
		return int(*clh), nil
	}
	n, err := strconv.Atoi(hdrs[0].Value())
	if err != nil {
		return 0, fmt.Errorf("content-length: %w", err)
	}
	return n, nil
}
