package sip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseContentsOpaque(t *testing.T) {
	c, err := ParseContents("application/sdp", []byte("v=0\r\n"))
	require.NoError(t, err)
	opaque, ok := c.(*OpaqueContents)
	require.True(t, ok)
	require.Equal(t, "application/sdp", opaque.Type)
	require.Equal(t, "v=0\r\n", string(opaque.Data))
}

func TestParseContentsPkcs7(t *testing.T) {
	c, err := ParseContents(`application/pkcs7-mime; smime-type=enveloped-data`, []byte("der-bytes"))
	require.NoError(t, err)
	env, ok := c.(*Pkcs7Contents)
	require.True(t, ok)
	require.Equal(t, "enveloped-data", env.SMIMEType)
	require.Equal(t, "der-bytes", string(env.DER))
}

func TestParseAndWriteMultipartSigned(t *testing.T) {
	original := &MultipartSignedContents{
		Boundary: "boundary42",
		Protocol: "application/x-fake-signature",
		Micalg:   "fake",
		Payload:  &OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")},
		Signature: &OpaqueContents{
			Type: "application/x-fake-signature",
			Data: []byte("signer=alice@atlanta.com"),
		},
	}

	data, err := original.Bytes()
	require.NoError(t, err)

	parsed, err := ParseContents(original.ContentType(), data)
	require.NoError(t, err)

	signed, ok := parsed.(*MultipartSignedContents)
	require.True(t, ok)
	payload, ok := signed.Payload.(*OpaqueContents)
	require.True(t, ok)
	require.Equal(t, "v=0\r\n", string(payload.Data))
}

func TestCloneDeepCopiesMultipartMixed(t *testing.T) {
	original := &MultipartMixedContents{
		Boundary: "b",
		Parts: []Contents{
			&OpaqueContents{Type: "text/plain", Data: []byte("hello")},
		},
	}
	cloned := original.Clone().(*MultipartMixedContents)
	clonedOpaque := cloned.Parts[0].(*OpaqueContents)
	clonedOpaque.Data[0] = 'H'

	require.Equal(t, "hello", string(original.Parts[0].(*OpaqueContents).Data))
	require.Equal(t, "Hello", string(clonedOpaque.Data))
}

func TestParseContentsUnknownMediaTypeIsOpaque(t *testing.T) {
	c, err := ParseContents("text/plain", []byte("hi"))
	require.NoError(t, err)
	_, ok := c.(*OpaqueContents)
	require.True(t, ok)
}
