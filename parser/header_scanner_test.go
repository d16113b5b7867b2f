package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderScannerScansCompleteMessageInOneCall(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)
	msg := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"\r\n"

	consumed, result, err := s.Scan([]byte(msg))
	require.NoError(t, err)
	require.Equal(t, ScanComplete, result)
	require.Equal(t, len(msg), consumed)
	require.NotNil(t, s.Message())
}

func TestHeaderScannerNeedsMoreAcrossLineBoundary(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)

	consumed, result, err := s.Scan([]byte("INVITE sip:bob@biloxi.com SIP/2.0\r\nVia: SIP"))
	require.NoError(t, err)
	require.Equal(t, ScanNeedMore, result)
	require.Equal(t, len("INVITE sip:bob@biloxi.com SIP/2.0\r\nVia: SIP"), consumed)
	require.Greater(t, s.Unconsumed(), 0)

	consumed, result, err = s.Scan([]byte("/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, ScanComplete, result)
	require.Greater(t, consumed, 0)
}

func TestHeaderScannerRejectsMalformedStartLine(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)

	_, result, err := s.Scan([]byte("garbage\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, ScanError, result)
}

func TestHeaderScannerRejectsMalformedHeader(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)

	_, result, err := s.Scan([]byte("INVITE sip:bob@biloxi.com SIP/2.0\r\nNotAHeaderLine\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, ScanError, result)
}

func TestHeaderScannerEnforcesMaxHeaders(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 1)

	data := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK1\r\n" +
		"Via: SIP/2.0/UDP pc34.atlanta.com;branch=z9hG4bK2\r\n" +
		"\r\n"

	_, result, err := s.Scan([]byte(data))
	require.Error(t, err)
	require.Equal(t, ScanError, result)
}

func TestHeaderScannerResetClearsState(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)

	_, _, err := s.Scan([]byte("INVITE sip:bob@biloxi.com SIP/2.0\r\nVia: SIP"))
	require.NoError(t, err)
	require.Greater(t, s.Unconsumed(), 0)

	s.Reset()
	require.Nil(t, s.Message())
	require.Equal(t, 0, s.Unconsumed())
}

func TestHeaderScannerSkipsLeadingBlankLines(t *testing.T) {
	s := NewHeaderScanner(NewParser(), 0)

	msg := "\r\nINVITE sip:bob@biloxi.com SIP/2.0\r\nCSeq: 1 INVITE\r\n\r\n"
	_, result, err := s.Scan([]byte(msg))
	require.NoError(t, err)
	require.Equal(t, ScanComplete, result)
}
