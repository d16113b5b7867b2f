package security

import "github.com/gosip/stack/sip"

// ArtifactKind distinguishes the two kinds of material a fetch can be
// asked for.
type ArtifactKind int

const (
	// UserCertArtifact is an X.509 certificate, used both to encrypt to
	// an AoR and to verify a signature claiming to be from one.
	UserCertArtifact ArtifactKind = iota
	// UserPrivateKeyArtifact is the private key matching a local AoR's
	// certificate, used to sign or to decrypt.
	UserPrivateKeyArtifact
)

func (k ArtifactKind) String() string {
	if k == UserPrivateKeyArtifact {
		return "UserPrivateKey"
	}
	return "UserCert"
}

// MessageId is the fetch key: it correlates an eventual FetchResult with
// the PendingRequest that issued the fetch. Two outstanding fetches never
// share a transaction ID, per the registry's own invariant.
type MessageId struct {
	TransactionID string
	Aor           string
	Kind          ArtifactKind
}

// FetchResult is what a CertStore eventually posts back for a MessageId it
// was asked to Fetch.
type FetchResult struct {
	ID      MessageId
	Success bool
	DER     []byte
}

// CertStore is the optional remote collaborator the feature asks for
// certificate or private-key material it doesn't have locally. Fetch must
// not block; the result arrives later via Feature.PostFetchResult, however
// the store's transport gets it there (a callback, a channel drain loop, a
// goroutine — the feature doesn't care).
//
// No concrete implementation ships here: resolving an AoR to a DER-encoded
// certificate or key is deployment-specific (an LDAP directory, a local
// PKI, a presence-tied key server) and outside this core's remit. See
// security/securitytest for an in-memory fake used by this package's own
// tests.
type CertStore interface {
	Fetch(id MessageId)
}

// SecurityPrimitives is the concrete cryptographic binding: CMS (PKCS#7)
// sign/verify/envelope/open over a local certificate and key store, keyed
// by AoR. Like CertStore, no implementation is included — wiring in a real
// CMS library (golang.org/x/crypto/... or an external PKCS#7 package) is
// left to the deployment, per this core's explicit scope.
type SecurityPrimitives interface {
	// HasCert reports whether aor's certificate is already installed.
	HasCert(aor string) bool
	// HasPrivateKey reports whether aor's private key is already
	// installed.
	HasPrivateKey(aor string) bool
	// InstallCert records a DER-encoded certificate fetched for aor.
	InstallCert(aor string, der []byte) error
	// InstallPrivateKey records a DER-encoded private key fetched for
	// aor.
	InstallPrivateKey(aor string, der []byte) error

	// Sign wraps payload in a detached CMS signature using senderAor's
	// key, returning the multipart/signed result.
	Sign(senderAor string, payload sip.Contents) (*sip.MultipartSignedContents, error)
	// Encrypt envelopes payload to recipientAor's certificate as CMS
	// enveloped-data.
	Encrypt(recipientAor string, payload sip.Contents) (*sip.Pkcs7Contents, error)
	// Decrypt opens a CMS envelope using decryptorAor's private key,
	// returning the recovered payload bytes and its declared Content-Type.
	Decrypt(decryptorAor string, env *sip.Pkcs7Contents) (contentType string, payload []byte, err error)
	// Verify checks a multipart/signed node's detached signature,
	// reporting the signer AoR the certificate names and the trust
	// outcome.
	Verify(ms *sip.MultipartSignedContents) (signerAor string, status sip.SignatureStatus, err error)
}
