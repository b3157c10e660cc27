package pnr

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/openhie/xds-mediator/internal/platform/soap"
)

// Well-known ebXML identification schemes and classification nodes
// from the XDS metadata profile.
const (
	uuidSubmissionSet          = "urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd"
	uuidSubmissionSetPatientID = "urn:uuid:6b5aea1a-874d-4603-a4bc-96a0a7b38446"
	uuidDocEntryPatientID      = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	uuidDocEntryAuthor         = "urn:uuid:93606bcf-9494-43ec-9b4e-a7748d1a838d"
)

// Transaction is a parsed PnR submission: the envelope DOM plus handles
// to the registry objects the pipeline works on.
type Transaction struct {
	Doc           *xmlquery.Node
	Envelope      *xmlquery.Node
	SubmissionSet *xmlquery.Node
	DocEntries    []*xmlquery.Node
}

// Parse builds the DOM for a PnR envelope and locates its registry
// objects. MTOM attachment parts are inlined first so document content
// is always available as base64 text. A request without a SubmissionSet
// RegistryPackage is malformed.
func Parse(envelope []byte, parts map[string][]byte) (*Transaction, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("pnr: parse envelope: %w", err)
	}

	if len(parts) > 0 {
		if err := soap.InlineAttachments(doc, parts); err != nil {
			return nil, fmt.Errorf("pnr: inline attachments: %w", err)
		}
	}

	tx := &Transaction{Doc: doc}

	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			tx.Envelope = n
			break
		}
	}
	if tx.Envelope == nil {
		return nil, fmt.Errorf("pnr: envelope has no root element")
	}

	tx.SubmissionSet = findSubmissionSet(doc)
	if tx.SubmissionSet == nil {
		return nil, fmt.Errorf("pnr: request carries no SubmissionSet registry package")
	}

	tx.DocEntries = xmlquery.Find(doc, "//*[local-name()='ExtrinsicObject']")

	return tx, nil
}

// findSubmissionSet locates the RegistryPackage classified as an
// XDSSubmissionSet. When no classification names one, the first
// RegistryPackage is taken.
func findSubmissionSet(doc *xmlquery.Node) *xmlquery.Node {
	packages := xmlquery.Find(doc, "//*[local-name()='RegistryPackage']")
	if len(packages) == 0 {
		return nil
	}

	for _, cl := range xmlquery.Find(doc, "//*[local-name()='Classification']") {
		if cl.SelectAttr("classificationNode") != uuidSubmissionSet {
			continue
		}
		target := cl.SelectAttr("classifiedObject")
		for _, pkg := range packages {
			if pkg.SelectAttr("id") == target {
				return pkg
			}
		}
	}

	return packages[0]
}

// Serialize renders the (possibly rewritten) envelope back to bytes.
func (tx *Transaction) Serialize() []byte {
	return []byte(tx.Envelope.OutputXML(true))
}

// DocumentContent returns the decoded bytes of the xdsb:Document whose
// id attribute matches the document entry id, or nil when the document
// is absent or not decodable.
func (tx *Transaction) DocumentContent(entryID string) []byte {
	for _, n := range xmlquery.Find(tx.Doc, "//*[local-name()='Document']") {
		if n.SelectAttr("id") != entryID {
			continue
		}
		raw := strings.Join(strings.Fields(n.InnerText()), "")
		if raw == "" {
			return nil
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil
		}
		return decoded
	}
	return nil
}
