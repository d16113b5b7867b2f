package security

import (
	"testing"

	"github.com/gosip/stack/security/securitytest"
	"github.com/gosip/stack/sip"
	"github.com/stretchr/testify/require"
)

func TestIsEncryptedAndIsSigned(t *testing.T) {
	store := securitytest.NewFakeStore(func(FetchResult) {})
	plain := &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")}
	require.False(t, isEncrypted(plain))
	require.False(t, isSigned(plain, testBob, store, false))

	signed, err := store.Sign(testAlice, plain)
	require.NoError(t, err)
	require.False(t, isEncrypted(signed))
	require.True(t, isSigned(signed, testBob, store, false))

	enveloped, err := store.Encrypt(testBob, signed)
	require.NoError(t, err)
	require.True(t, isEncrypted(enveloped))
	// without a key the envelope can't be opened to find the signature
	require.False(t, isSigned(enveloped, testBob, store, true))
	require.True(t, isSigned(enveloped, testBob, store, false))
}

func TestIsEncryptedDescendsAlternativeFromPreferredEnd(t *testing.T) {
	store := securitytest.NewFakeStore(func(FetchResult) {})
	plain := &sip.OpaqueContents{Type: "text/plain", Data: []byte("legacy")}
	enveloped, err := store.Encrypt(testBob, &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")})
	require.NoError(t, err)

	alt := &sip.MultipartAlternativeContents{Boundary: "b", Parts: []sip.Contents{plain, enveloped}}
	require.True(t, isEncrypted(alt))

	allPlain := &sip.MultipartAlternativeContents{Boundary: "b", Parts: []sip.Contents{plain}}
	require.False(t, isEncrypted(allPlain))
}

func TestGetContentsRecurseUnwrapsSignedInsideEnvelope(t *testing.T) {
	store := securitytest.NewFakeStore(func(FetchResult) {})
	store.SeedLocal(testAlice, UserCertArtifact, []byte("alice-cert"))

	inner := &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")}
	signed, err := store.Sign(testAlice, inner)
	require.NoError(t, err)
	enveloped, err := store.Encrypt(testBob, signed)
	require.NoError(t, err)

	attrs := &sip.SecurityAttributes{}
	result := getContentsRecurse(enveloped, testBob, store, false, attrs)
	require.NotNil(t, result)
	opaque, ok := result.(*sip.OpaqueContents)
	require.True(t, ok)
	require.Equal(t, "v=0\r\n", string(opaque.Data))
	require.True(t, attrs.Encrypted)
	require.Equal(t, sip.SignatureTrusted, attrs.SignatureStatus)
	require.Equal(t, testAlice, attrs.Signer)
}

func TestGetContentsRecurseNoKeyDropsEnvelope(t *testing.T) {
	store := securitytest.NewFakeStore(func(FetchResult) {})
	enveloped, err := store.Encrypt(testBob, &sip.OpaqueContents{Type: "application/sdp", Data: []byte("v=0\r\n")})
	require.NoError(t, err)

	attrs := &sip.SecurityAttributes{}
	result := getContentsRecurse(enveloped, testBob, store, true, attrs)
	require.Nil(t, result)
	require.False(t, attrs.Encrypted)
}
