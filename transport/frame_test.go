package transport

import (
	"testing"

	"github.com/gosip/stack/parser"
	"github.com/gosip/stack/siptest"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

func newTestFrameReader() *frameReader {
	return newFrameReader(parser.NewParser(), DefaultLimits(), zerolog.Nop(), "udp", nil)
}

const sampleInvite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"v=0\r\n"

func TestFrameReaderDeliversCompleteMessage(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()

	err := r.Feed([]byte(sampleInvite), sink)
	require.NoError(t, err)
	require.Len(t, sink.Handled, 1)
	require.Empty(t, sink.Rejected)
}

func TestFrameReaderHandlesFragmentedBody(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()

	split := len(sampleInvite) - 2
	require.NoError(t, r.Feed([]byte(sampleInvite[:split]), sink))
	require.Empty(t, sink.Handled)

	require.NoError(t, r.Feed([]byte(sampleInvite[split:]), sink))
	require.Len(t, sink.Handled, 1)
}

func TestFrameReaderHandlesPipelinedMessages(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()

	doubled := sampleInvite + sampleInvite
	require.NoError(t, r.Feed([]byte(doubled), sink))
	require.Len(t, sink.Handled, 2)
}

func TestFrameReaderRecognizesKeepAlive(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()
	pinged := false

	r.onPing = func() { pinged = true }
	require.NoError(t, r.Feed([]byte("\r\n\r\n"), sink))
	require.True(t, pinged)
	require.Empty(t, sink.Handled)
}

func TestFrameReaderDropsOversizedBody(t *testing.T) {
	r := newTestFrameReader()
	r.limits.MaxBodyBytes = 1
	sink := siptest.NewSinkRecorder()

	require.NoError(t, r.Feed([]byte(sampleInvite), sink))
	require.Empty(t, sink.Handled)
}

func TestFrameReaderRejectsNewRequestUnderCongestion(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()
	sink.Behavior = RejectionNewWork

	require.NoError(t, r.Feed([]byte(sampleInvite), sink))
	require.Empty(t, sink.Handled)
	require.Len(t, sink.Rejected, 1)
}

const sampleAck = "ACK sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 ACK\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestFrameReaderEnqueuesAckUnderNewWorkCongestion(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()
	sink.Behavior = RejectionNewWork

	require.NoError(t, r.Feed([]byte(sampleAck), sink))
	require.Len(t, sink.Handled, 1)
	require.Empty(t, sink.Rejected)
}

func TestFrameReaderDropsMalformedHeaders(t *testing.T) {
	r := newTestFrameReader()
	sink := siptest.NewSinkRecorder()

	require.NoError(t, r.Feed([]byte("not a sip message\r\n\r\n"), sink))
	require.Empty(t, sink.Handled)
	require.Empty(t, sink.Rejected)
}
