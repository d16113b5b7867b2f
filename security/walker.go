package security

import "github.com/gosip/stack/sip"

// isEncrypted reports whether any reachable node in tree is a Pkcs7
// envelope. multipart/signed only descends into its payload (part 0);
// multipart/alternative and multipart/mixed accept any part.
func isEncrypted(tree sip.Contents) bool {
	switch n := tree.(type) {
	case *sip.Pkcs7Contents:
		return true
	case *sip.MultipartSignedContents:
		return isEncrypted(n.Payload)
	case *sip.MultipartAlternativeContents:
		for i := len(n.Parts) - 1; i >= 0; i-- {
			if isEncrypted(n.Parts[i]) {
				return true
			}
		}
		return false
	case *sip.MultipartMixedContents, *sip.MultipartRelatedContents:
		for _, p := range multipartParts(n) {
			if isEncrypted(p) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// isSigned reports whether tree carries a multipart/signed node once any
// enveloping Pkcs7 nodes along the way are opened. A Pkcs7 node is trial-
// decrypted with decryptorAor's key to see what it contains — unless
// noKey is set, in which case an envelope can't be looked inside and is
// treated as unsigned. Errors from a trial decrypt are swallowed the same
// way: nothing to classify as signed.
func isSigned(tree sip.Contents, decryptorAor string, prim SecurityPrimitives, noKey bool) bool {
	switch n := tree.(type) {
	case *sip.MultipartSignedContents:
		return true
	case *sip.Pkcs7Contents:
		if noKey {
			return false
		}
		ct, data, err := prim.Decrypt(decryptorAor, n)
		if err != nil {
			return false
		}
		inner, err := sip.ParseContents(ct, data)
		if err != nil {
			return false
		}
		return isSigned(inner, decryptorAor, prim, noKey)
	case *sip.MultipartAlternativeContents:
		for i := len(n.Parts) - 1; i >= 0; i-- {
			if isSigned(n.Parts[i], decryptorAor, prim, noKey) {
				return true
			}
		}
		return false
	case *sip.MultipartMixedContents, *sip.MultipartRelatedContents:
		for _, p := range multipartParts(n) {
			if isSigned(p, decryptorAor, prim, noKey) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// getContentsRecurse rebuilds tree into its decrypted/verified form,
// recording what it found into attrs. Pkcs7 nodes are opened (or, with
// noKey set, dropped as empty); MultipartSigned nodes are verified and
// their signer/status recorded, then only the payload survives; the
// alternative/mixed/related containers return the first non-empty child
// result in their respective preference order. A leaf is cloned unchanged.
func getContentsRecurse(tree sip.Contents, decryptorAor string, prim SecurityPrimitives, noKey bool, attrs *sip.SecurityAttributes) sip.Contents {
	switch n := tree.(type) {
	case *sip.Pkcs7Contents:
		if noKey {
			return nil
		}
		ct, data, err := prim.Decrypt(decryptorAor, n)
		if err != nil {
			return nil
		}
		attrs.SetEncrypted()
		inner, err := sip.ParseContents(ct, data)
		if err != nil {
			return nil
		}
		result := getContentsRecurse(inner, decryptorAor, prim, noKey, attrs)
		if result == nil {
			return inner
		}
		return result

	case *sip.MultipartSignedContents:
		signerAor, status, err := prim.Verify(n)
		if err != nil {
			status = sip.SignatureFailed
		}
		attrs.SetSignature(status, signerAor)
		result := getContentsRecurse(n.Payload, decryptorAor, prim, noKey, attrs)
		if result == nil {
			return n.Payload.Clone()
		}
		return result

	case *sip.MultipartAlternativeContents:
		for i := len(n.Parts) - 1; i >= 0; i-- {
			if result := getContentsRecurse(n.Parts[i], decryptorAor, prim, noKey, attrs); result != nil {
				return result
			}
		}
		return nil

	case *sip.MultipartMixedContents, *sip.MultipartRelatedContents:
		for _, p := range multipartParts(n) {
			if result := getContentsRecurse(p, decryptorAor, prim, noKey, attrs); result != nil {
				return result
			}
		}
		return nil

	default:
		return tree.Clone()
	}
}

// multipartParts extracts the Parts slice from whichever of the flat
// "any part suffices" containers was passed; both are walked identically.
func multipartParts(tree sip.Contents) []sip.Contents {
	switch n := tree.(type) {
	case *sip.MultipartMixedContents:
		return n.Parts
	case *sip.MultipartRelatedContents:
		return n.Parts
	default:
		return nil
	}
}
