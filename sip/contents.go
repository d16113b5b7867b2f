package sip

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"strings"
)

// Contents is the structured view of a message body: either an opaque
// leaf, a PKCS#7 envelope, or one of the four multipart containers the
// security feature has to reason about. It mirrors the body tree a real
// MIME-aware stack builds over the raw bytes carried by a SipMessage.
//
// Contents is a closed sum type: every concrete type below implements
// contentsNode, and nothing outside this file may add a new one, so a
// type switch over the concrete types is exhaustive.
type Contents interface {
	// ContentType is the MIME type this node would be sent as, e.g.
	// "application/pkcs7-mime" or "multipart/signed".
	ContentType() string
	// Bytes re-serializes this node (and, for containers, its children)
	// back into wire bytes suitable for SetBody.
	Bytes() ([]byte, error)
	// Clone returns a deep copy, so walkers that rebuild a tree around a
	// transformed child never alias the original message's storage.
	Clone() Contents

	contentsNode()
}

// OpaqueContents is any leaf body whose media type carries no security
// meaning on its own (text/plain, application/sdp, and so on).
type OpaqueContents struct {
	Type string
	Data []byte
}

func (c *OpaqueContents) ContentType() string { return c.Type }
func (c *OpaqueContents) Bytes() ([]byte, error) {
	return c.Data, nil
}
func (c *OpaqueContents) Clone() Contents {
	cp := make([]byte, len(c.Data))
	copy(cp, c.Data)
	return &OpaqueContents{Type: c.Type, Data: cp}
}
func (*OpaqueContents) contentsNode() {}

// Pkcs7Contents is a CMS enveloped-data or signed-data blob
// (application/pkcs7-mime). Its DER payload is opaque to the content
// tree walker; only the Security Feature's SecurityPrimitives binding
// knows how to open it.
type Pkcs7Contents struct {
	// SMIMEType is the smime-type Content-Type parameter, e.g.
	// "enveloped-data" or "signed-data".
	SMIMEType string
	DER       []byte
}

func (c *Pkcs7Contents) ContentType() string {
	if c.SMIMEType == "" {
		return "application/pkcs7-mime"
	}
	return fmt.Sprintf("application/pkcs7-mime; smime-type=%s", c.SMIMEType)
}
func (c *Pkcs7Contents) Bytes() ([]byte, error) { return c.DER, nil }
func (c *Pkcs7Contents) Clone() Contents {
	cp := make([]byte, len(c.DER))
	copy(cp, c.DER)
	return &Pkcs7Contents{SMIMEType: c.SMIMEType, DER: cp}
}
func (*Pkcs7Contents) contentsNode() {}

// MultipartSignedContents is RFC 1847 multipart/signed: exactly two
// parts, the signed payload and its detached signature.
type MultipartSignedContents struct {
	Boundary  string
	Protocol  string
	Micalg    string
	Payload   Contents
	Signature Contents
}

func (c *MultipartSignedContents) ContentType() string {
	return fmt.Sprintf(`multipart/signed; protocol="%s"; micalg=%s; boundary="%s"`, c.Protocol, c.Micalg, c.Boundary)
}
func (c *MultipartSignedContents) Bytes() ([]byte, error) {
	return writeMultipart(c.Boundary, []Contents{c.Payload, c.Signature})
}
func (c *MultipartSignedContents) Clone() Contents {
	return &MultipartSignedContents{
		Boundary:  c.Boundary,
		Protocol:  c.Protocol,
		Micalg:    c.Micalg,
		Payload:   c.Payload.Clone(),
		Signature: c.Signature.Clone(),
	}
}
func (*MultipartSignedContents) contentsNode() {}

// MultipartAlternativeContents is RFC 2046 multipart/alternative: the
// parts represent the same content with increasing preference, most
// preferred last.
type MultipartAlternativeContents struct {
	Boundary string
	Parts    []Contents
}

func (c *MultipartAlternativeContents) ContentType() string {
	return fmt.Sprintf(`multipart/alternative; boundary="%s"`, c.Boundary)
}
func (c *MultipartAlternativeContents) Bytes() ([]byte, error) {
	return writeMultipart(c.Boundary, c.Parts)
}
func (c *MultipartAlternativeContents) Clone() Contents {
	parts := make([]Contents, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.Clone()
	}
	return &MultipartAlternativeContents{Boundary: c.Boundary, Parts: parts}
}
func (*MultipartAlternativeContents) contentsNode() {}

// MultipartMixedContents is RFC 2046 multipart/mixed: an ordered bag of
// independent parts, first match wins for any "does this tree contain X"
// question.
type MultipartMixedContents struct {
	Boundary string
	Parts    []Contents
}

func (c *MultipartMixedContents) ContentType() string {
	return fmt.Sprintf(`multipart/mixed; boundary="%s"`, c.Boundary)
}
func (c *MultipartMixedContents) Bytes() ([]byte, error) {
	return writeMultipart(c.Boundary, c.Parts)
}
func (c *MultipartMixedContents) Clone() Contents {
	parts := make([]Contents, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.Clone()
	}
	return &MultipartMixedContents{Boundary: c.Boundary, Parts: parts}
}
func (*MultipartMixedContents) contentsNode() {}

// MultipartRelatedContents is RFC 2387 multipart/related. For the
// purposes of the security feature it is walked exactly like
// multipart/mixed: any part satisfying a query is enough.
type MultipartRelatedContents struct {
	Boundary string
	Parts    []Contents
}

func (c *MultipartRelatedContents) ContentType() string {
	return fmt.Sprintf(`multipart/related; boundary="%s"`, c.Boundary)
}
func (c *MultipartRelatedContents) Bytes() ([]byte, error) {
	return writeMultipart(c.Boundary, c.Parts)
}
func (c *MultipartRelatedContents) Clone() Contents {
	parts := make([]Contents, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.Clone()
	}
	return &MultipartRelatedContents{Boundary: c.Boundary, Parts: parts}
}
func (*MultipartRelatedContents) contentsNode() {}

// ParseContents builds a Contents tree from a raw body and its
// Content-Type header value. Multipart boundary splitting is delegated to
// mime/multipart (RFC 2046 boundary syntax is not something any retrieved
// third-party library in this module's dependency surface implements;
// the actual security semantics remain entirely in this package and the
// security package, not in the standard library).
func ParseContents(contentType string, body []byte) (Contents, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return &OpaqueContents{Type: contentType, Data: body}, nil
	}

	if strings.EqualFold(mediaType, "application/pkcs7-mime") {
		return &Pkcs7Contents{SMIMEType: params["smime-type"], DER: body}, nil
	}

	if !strings.HasPrefix(strings.ToLower(mediaType), "multipart/") {
		return &OpaqueContents{Type: contentType, Data: body}, nil
	}

	boundary := params["boundary"]
	parts, err := readMultipartParts(boundary, body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", mediaType, err)
	}

	switch strings.ToLower(mediaType) {
	case "multipart/signed":
		if len(parts) != 2 {
			return nil, fmt.Errorf("multipart/signed must have exactly 2 parts, got %d", len(parts))
		}
		return &MultipartSignedContents{
			Boundary:  boundary,
			Protocol:  params["protocol"],
			Micalg:    params["micalg"],
			Payload:   parts[0],
			Signature: parts[1],
		}, nil
	case "multipart/alternative":
		return &MultipartAlternativeContents{Boundary: boundary, Parts: parts}, nil
	case "multipart/related":
		return &MultipartRelatedContents{Boundary: boundary, Parts: parts}, nil
	default: // multipart/mixed and any other multipart/* we don't special-case
		return &MultipartMixedContents{Boundary: boundary, Parts: parts}, nil
	}
}

func readMultipartParts(boundary string, body []byte) ([]Contents, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []Contents
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		data, err := readAll(part)
		if err != nil {
			return nil, err
		}
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain"
		}
		child, err := ParseContents(ct, data)
		if err != nil {
			return nil, err
		}
		parts = append(parts, child)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts found in multipart body")
	}
	return parts, nil
}

func readAll(p *multipart.Part) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeMultipart(boundary string, parts []Contents) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}
	for _, part := range parts {
		data, err := part.Bytes()
		if err != nil {
			return nil, err
		}
		header := make(map[string][]string)
		header["Content-Type"] = []string{part.ContentType()}
		pw, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
