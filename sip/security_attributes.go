package sip

// EncryptionLevel is the security treatment a caller has asked the
// security feature to apply to an outgoing message, or reports it found
// on an incoming one.
type EncryptionLevel int

const (
	// None means no S/MIME processing is requested or was found.
	None EncryptionLevel = iota
	// Sign means the body must be (or was) signed only.
	Sign
	// Encrypt means the body must be (or was) encrypted only.
	Encrypt
	// SignAndEncrypt means the body must be (or was) signed, then the
	// signed result encrypted.
	SignAndEncrypt
)

// SignatureStatus reports the outcome of verifying a multipart/signed
// payload's detached signature.
type SignatureStatus int

const (
	// SignatureNone means no signature was present to verify.
	SignatureNone SignatureStatus = iota
	// SignatureTrusted means the signature verified and the signer's
	// certificate chains to a trusted root.
	SignatureTrusted
	// SignatureCATrusted means the signature verified and the signer's
	// certificate is trusted, but the full chain to a root was not
	// evaluated.
	SignatureCATrusted
	// SignatureNotTrusted means the signature verified but the signer's
	// certificate is not trusted.
	SignatureNotTrusted
	// SignatureFailed means the signature did not verify.
	SignatureFailed
)

// IdentityStrength reports how strongly an upstream RFC 4474 Identity
// handler vouches for a message's originator, independent of whatever the
// security feature itself finds via S/MIME. It is set, if at all, before
// the security feature ever sees the message, and the feature must carry
// it through unchanged when it replaces the attributes block on decrypt.
type IdentityStrength int

const (
	// IdentityNone means no upstream Identity handler ran, or it found
	// nothing to vouch for.
	IdentityNone IdentityStrength = iota
	// IdentityWeak means an Identity header was present but unverified.
	IdentityWeak
	// IdentityStrong means an Identity header verified against a trusted
	// authentication service.
	IdentityStrong
)

// SecurityAttributes records what the security feature found, or did, to
// a message's body. It is attached to both outgoing messages (as a
// request for treatment, via OutgoingEncryptionLevel) and incoming ones
// (as a report of what was found, via the other fields).
type SecurityAttributes struct {
	// OutgoingEncryptionLevel is set by the caller constructing an
	// outbound message to request Sign, Encrypt, or SignAndEncrypt
	// treatment. Left at None, the outgoing pipeline does nothing.
	OutgoingEncryptionLevel EncryptionLevel

	// EncryptionPerformed is set once the outgoing pipeline has produced
	// the requested treatment, so a retried dispatch does not redo it.
	EncryptionPerformed bool

	// Encrypted reports whether an inbound body was found enveloped.
	Encrypted bool
	// SignatureStatus reports the outcome of verifying an inbound
	// body's detached signature.
	SignatureStatus SignatureStatus
	// Signer is the address-of-record the signing certificate was
	// issued to, if a signature was present.
	Signer string
	// Identity is the RFC 4474 Identity header value, if present and
	// distinct from ordinary multipart/signed verification.
	Identity string
	// IdentityStrength is set by an upstream Identity handler, not by
	// the security feature. Preserved across SetSecurityAttributes
	// calls the feature makes on decrypt.
	IdentityStrength IdentityStrength
}

// SetEncrypted records that a Pkcs7Contents leaf was opened while
// rebuilding the content tree.
func (a *SecurityAttributes) SetEncrypted() {
	a.Encrypted = true
}

// SetSignature records the outcome of checking a multipart/signed leaf's
// detached signature against its payload.
func (a *SecurityAttributes) SetSignature(status SignatureStatus, signer string) {
	a.SignatureStatus = status
	a.Signer = signer
}

// GetSecurityAttributes returns the message's security attributes,
// allocating an empty (None/unsigned/unencrypted) set on first use.
func (msg *MessageData) GetSecurityAttributes() *SecurityAttributes {
	if msg.security == nil {
		msg.security = &SecurityAttributes{}
	}
	return msg.security
}

// SetSecurityAttributes replaces the message's security attributes
// wholesale, e.g. after the inbound pipeline finishes decrypting and
// verifying a message.
func (msg *MessageData) SetSecurityAttributes(attrs *SecurityAttributes) {
	msg.security = attrs
}

// ParsedContents builds a Contents tree from the message's current raw
// body and Content-Type header. Every call re-parses; callers that need
// to mutate the tree and write it back use SetContents.
func (msg *MessageData) ParsedContents() (Contents, error) {
	ct, _ := msg.ContentType()
	ctValue := ""
	if ct != nil {
		ctValue = ct.Value()
	}
	return ParseContents(ctValue, msg.Body())
}

// SetContents re-serializes tree and installs it as the message's body,
// updating the Content-Type and Content-Length headers to match.
func (msg *MessageData) SetContents(tree Contents) error {
	data, err := tree.Bytes()
	if err != nil {
		return err
	}
	ct := ContentTypeHeader(tree.ContentType())
	if existing, ok := msg.ContentType(); ok {
		*existing = ct
	} else {
		msg.AppendHeader(&ct)
	}
	msg.SetBody(data)
	return nil
}
