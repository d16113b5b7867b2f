// Package securitytest provides in-memory fakes for security.CertStore and
// security.SecurityPrimitives, standing in for a real PKI/CMS binding in
// tests the way fakes.TCPConn and siptest.connRecorder stand in for real
// transport sockets elsewhere in this module.
package securitytest

import (
	"fmt"
	"sync"

	"github.com/gosip/stack/security"
	"github.com/gosip/stack/sip"
)

type certKey struct {
	aor  string
	kind security.ArtifactKind
}

// FakeStore is both a security.CertStore and a security.SecurityPrimitives:
// it keeps certs/keys in memory and "signs"/"encrypts" with a cheap,
// reversible tag instead of real CMS, so tests can assert the pipeline's
// state machine without pulling in a cryptography dependency.
type FakeStore struct {
	mu    sync.Mutex
	local map[certKey][]byte // material already installed locally
	fetch map[certKey][]byte // material available to be "fetched"; nil entry means the fetch fails

	post func(security.FetchResult)
}

// NewFakeStore builds an empty fake. post is called (from its own
// goroutine, to exercise real suspension across Feature's event loop)
// whenever a Fetch completes.
func NewFakeStore(post func(security.FetchResult)) *FakeStore {
	return &FakeStore{
		local: make(map[certKey][]byte),
		fetch: make(map[certKey][]byte),
		post:  post,
	}
}

// SeedLocal installs material as if it were already present, skipping any
// fetch.
func (s *FakeStore) SeedLocal(aor string, kind security.ArtifactKind, der []byte) {
	s.mu.Lock()
	s.local[certKey{aor, kind}] = der
	s.mu.Unlock()
}

// SeedFetchable makes aor/kind fetchable with the given DER bytes; der nil
// means the fetch will report failure.
func (s *FakeStore) SeedFetchable(aor string, kind security.ArtifactKind, der []byte) {
	s.mu.Lock()
	s.fetch[certKey{aor, kind}] = der
	s.mu.Unlock()
}

// Fetch implements security.CertStore.
func (s *FakeStore) Fetch(id security.MessageId) {
	go func() {
		s.mu.Lock()
		der, ok := s.fetch[certKey{id.Aor, id.Kind}]
		s.mu.Unlock()

		s.post(security.FetchResult{
			ID:      id,
			Success: ok && der != nil,
			DER:     der,
		})
	}()
}

// HasCert implements security.SecurityPrimitives.
func (s *FakeStore) HasCert(aor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[certKey{aor, security.UserCertArtifact}]
	return ok
}

// HasPrivateKey implements security.SecurityPrimitives.
func (s *FakeStore) HasPrivateKey(aor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[certKey{aor, security.UserPrivateKeyArtifact}]
	return ok
}

// InstallCert implements security.SecurityPrimitives.
func (s *FakeStore) InstallCert(aor string, der []byte) error {
	s.mu.Lock()
	s.local[certKey{aor, security.UserCertArtifact}] = der
	s.mu.Unlock()
	return nil
}

// InstallPrivateKey implements security.SecurityPrimitives.
func (s *FakeStore) InstallPrivateKey(aor string, der []byte) error {
	s.mu.Lock()
	s.local[certKey{aor, security.UserPrivateKeyArtifact}] = der
	s.mu.Unlock()
	return nil
}

// Sign implements security.SecurityPrimitives with a fake detached
// signature: the "signature" part just names the signer, so Verify can
// read it back out.
func (s *FakeStore) Sign(senderAor string, payload sip.Contents) (*sip.MultipartSignedContents, error) {
	payloadBytes, err := payload.Bytes()
	if err != nil {
		return nil, err
	}
	return &sip.MultipartSignedContents{
		Boundary: "fake-sig-boundary",
		Protocol: "application/x-fake-signature",
		Micalg:   "fake",
		Payload:  payload,
		Signature: &sip.OpaqueContents{
			Type: "application/x-fake-signature",
			Data: append([]byte("signer="+senderAor+";payload-len="), []byte(fmt.Sprint(len(payloadBytes)))...),
		},
	}, nil
}

// Verify implements security.SecurityPrimitives by reading the signer AoR
// back out of the fake signature tag. Always reports Trusted — there is no
// real chain-of-trust to evaluate.
func (s *FakeStore) Verify(ms *sip.MultipartSignedContents) (string, sip.SignatureStatus, error) {
	sig, ok := ms.Signature.(*sip.OpaqueContents)
	if !ok {
		return "", sip.SignatureFailed, fmt.Errorf("securitytest: unrecognized signature encoding")
	}
	var signer string
	if _, err := fmt.Sscanf(string(sig.Data), "signer=%s", &signer); err != nil {
		return "", sip.SignatureFailed, err
	}
	// Sscanf with %s reads up to the next space; the tag has no spaces
	// before ";payload-len=", so trim that suffix off by hand.
	for i := 0; i < len(signer); i++ {
		if signer[i] == ';' {
			signer = signer[:i]
			break
		}
	}
	return signer, sip.SignatureTrusted, nil
}

// Encrypt implements security.SecurityPrimitives with a reversible tag
// instead of a real CMS envelope.
func (s *FakeStore) Encrypt(recipientAor string, payload sip.Contents) (*sip.Pkcs7Contents, error) {
	payloadBytes, err := payload.Bytes()
	if err != nil {
		return nil, err
	}
	ct := payload.ContentType()
	der := append([]byte(ct+"\x00"), payloadBytes...)
	return &sip.Pkcs7Contents{SMIMEType: "enveloped-data", DER: der}, nil
}

// Decrypt implements security.SecurityPrimitives, reversing Encrypt.
func (s *FakeStore) Decrypt(decryptorAor string, env *sip.Pkcs7Contents) (string, []byte, error) {
	for i, b := range env.DER {
		if b == 0 {
			return string(env.DER[:i]), env.DER[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("securitytest: malformed fake envelope")
}

var (
	_ security.CertStore          = (*FakeStore)(nil)
	_ security.SecurityPrimitives = (*FakeStore)(nil)
)
