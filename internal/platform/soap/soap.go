// Package soap handles the transport envelope around XDS.b transactions:
// reading plain SOAP 1.2 and MTOM/XOP multipart requests, inlining XOP
// attachments, and building response envelopes with WS-Addressing headers.
package soap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/google/uuid"
)

const (
	// ActionProvideAndRegister is the WS-Addressing action of an inbound
	// Provide and Register Document Set-b transaction (ITI-41).
	ActionProvideAndRegister = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-b"

	// ActionProvideAndRegisterResponse is the action stamped onto
	// RegistryResponse envelopes returned to the document source.
	ActionProvideAndRegisterResponse = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-bResponse"

	// NamespaceEnvelope is the SOAP 1.2 envelope namespace.
	NamespaceEnvelope = "http://www.w3.org/2003/05/soap-envelope"

	// NamespaceAddressing is the WS-Addressing namespace.
	NamespaceAddressing = "http://www.w3.org/2005/08/addressing"

	// NamespaceXOP is the XML-binary Optimized Packaging namespace.
	NamespaceXOP = "http://www.w3.org/2004/08/xop/include"
)

// Request is a decoded transport request: the SOAP envelope (the root
// part for MTOM packages), any binary attachments keyed by Content-ID,
// and the addressing fields needed to route and correlate the response.
type Request struct {
	Envelope  []byte
	Action    string
	MessageID string
	Parts     map[string][]byte
}

// ReadRequest decodes an inbound request body according to its
// Content-Type. multipart/related bodies are unpacked into the root
// envelope plus attachment parts; anything else is treated as a plain
// SOAP envelope.
func ReadRequest(contentType string, body io.Reader) (*Request, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return nil, fmt.Errorf("soap: invalid content type %q: %w", contentType, err)
	}

	req := &Request{Action: params["action"]}

	if mediaType == "multipart/related" {
		if err := req.readMultipart(body, params); err != nil {
			return nil, err
		}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("soap: read request body: %w", err)
		}
		req.Envelope = data
	}

	if len(req.Envelope) == 0 {
		return nil, fmt.Errorf("soap: request carries no envelope")
	}

	req.readAddressing()

	return req, nil
}

// readMultipart unpacks a multipart/related package. The root part is
// the one whose Content-ID matches the outer "start" parameter, or the
// first part when no start parameter is present.
func (r *Request) readMultipart(body io.Reader, params map[string]string) error {
	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("soap: multipart/related without boundary")
	}

	startCID := trimContentID(params["start"])
	r.Parts = make(map[string][]byte)

	mr := multipart.NewReader(body, boundary)
	first := true
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("soap: read multipart body: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("soap: read multipart part: %w", err)
		}

		cid := trimContentID(part.Header.Get("Content-ID"))

		isRoot := (startCID != "" && cid == startCID) || (startCID == "" && first)
		if isRoot {
			r.Envelope = data
			// The action parameter may live on the root part's
			// content type instead of the outer one.
			if r.Action == "" {
				if _, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
					r.Action = partParams["action"]
				}
			}
		} else if cid != "" {
			r.Parts[cid] = data
		}
		first = false
	}

	if len(r.Envelope) == 0 {
		return fmt.Errorf("soap: multipart package has no root part")
	}

	return nil
}

// readAddressing pulls wsa:Action and wsa:MessageID out of the envelope
// header. The header value takes precedence over the content-type action
// parameter. Envelopes without a header (or documents that are not
// envelopes at all) are left as-is.
func (r *Request) readAddressing() {
	doc, err := xmlquery.Parse(bytes.NewReader(r.Envelope))
	if err != nil {
		return
	}

	if n := xmlquery.FindOne(doc, "//*[local-name()='Header']/*[local-name()='Action']"); n != nil {
		if action := strings.TrimSpace(n.InnerText()); action != "" {
			r.Action = action
		}
	}
	if n := xmlquery.FindOne(doc, "//*[local-name()='Header']/*[local-name()='MessageID']"); n != nil {
		r.MessageID = strings.TrimSpace(n.InnerText())
	}
}

// trimContentID strips the angle brackets RFC 2392 wraps around
// Content-ID values.
func trimContentID(cid string) string {
	return strings.Trim(strings.TrimSpace(cid), "<>")
}

// InlineAttachments replaces every xop:Include element under doc with
// the base64 rendering of its referenced part, so downstream processing
// sees the same inline form whether or not the sender used MTOM.
func InlineAttachments(doc *xmlquery.Node, parts map[string][]byte) error {
	includes := xmlquery.Find(doc, "//*[local-name()='Include']")
	for _, inc := range includes {
		if inc.NamespaceURI != NamespaceXOP {
			continue
		}

		href := inc.SelectAttr("href")
		cid := strings.TrimPrefix(href, "cid:")
		if decoded, err := url.QueryUnescape(cid); err == nil {
			cid = decoded
		}

		data, ok := parts[cid]
		if !ok {
			return fmt.Errorf("soap: no part for content id %q", cid)
		}

		parent := inc.Parent
		if parent == nil {
			return fmt.Errorf("soap: xop include without parent element")
		}
		setTextContent(parent, base64.StdEncoding.EncodeToString(data))
	}
	return nil
}

// setTextContent replaces all children of n with a single text node.
func setTextContent(n *xmlquery.Node, text string) {
	child := &xmlquery.Node{
		Type:   xmlquery.TextNode,
		Data:   text,
		Parent: n,
	}
	n.FirstChild = child
	n.LastChild = child
}

// BuildResponseEnvelope wraps an already-serialized XML payload in a
// SOAP 1.2 envelope with WS-Addressing headers. relatesTo carries the
// request's wsa:MessageID when known.
func BuildResponseEnvelope(action, relatesTo string, payload []byte) []byte {
	var b bytes.Buffer

	b.WriteString(`<soap:Envelope xmlns:soap="`)
	b.WriteString(NamespaceEnvelope)
	b.WriteString(`" xmlns:wsa="`)
	b.WriteString(NamespaceAddressing)
	b.WriteString(`"><soap:Header><wsa:Action>`)
	b.WriteString(escapeXML(action))
	b.WriteString(`</wsa:Action><wsa:MessageID>urn:uuid:`)
	b.WriteString(uuid.NewString())
	b.WriteString(`</wsa:MessageID>`)
	if relatesTo != "" {
		b.WriteString(`<wsa:RelatesTo>`)
		b.WriteString(escapeXML(relatesTo))
		b.WriteString(`</wsa:RelatesTo>`)
	}
	b.WriteString(`</soap:Header><soap:Body>`)
	b.Write(payload)
	b.WriteString(`</soap:Body></soap:Envelope>`)

	return b.Bytes()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
