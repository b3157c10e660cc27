package pnr

import (
	"github.com/antchfx/xmlquery"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// Extract walks the registry objects and collects every identifier
// occurrence: the SubmissionSet and DocumentEntry patientId external
// identifiers, the authorPerson XCNs, and the authorInstitution XONs.
// Duplicate identifiers collapse into one occurrence with many sites.
func Extract(tx *Transaction) *OccurrenceSet {
	set := NewOccurrenceSet()

	extractPatientID(set, tx.SubmissionSet, uuidSubmissionSetPatientID)
	for _, entry := range tx.DocEntries {
		extractPatientID(set, entry, uuidDocEntryPatientID)
		extractAuthors(set, entry)
	}

	return set
}

// extractPatientID records the patientId ExternalIdentifier of a
// registry object. The identifier lives in the value attribute.
func extractPatientID(set *OccurrenceSet, obj *xmlquery.Node, scheme string) {
	for _, ei := range findChildren(obj, "ExternalIdentifier") {
		if ei.SelectAttr("identificationScheme") != scheme {
			continue
		}
		raw := ei.SelectAttr("value")
		if raw == "" {
			continue
		}
		set.Add(CategoryPatient, hl7.ParseCX(raw), Site{Node: ei, Attr: "value"})
	}
}

// extractAuthors records the authorPerson and authorInstitution slot
// values of a document entry's author classifications. Both live as
// text content of rim:Value elements.
func extractAuthors(set *OccurrenceSet, entry *xmlquery.Node) {
	for _, cl := range findChildren(entry, "Classification") {
		if cl.SelectAttr("classificationScheme") != uuidDocEntryAuthor {
			continue
		}
		for _, slot := range findChildren(cl, "Slot") {
			name := slot.SelectAttr("name")
			for _, value := range xmlquery.Find(slot, ".//*[local-name()='Value']") {
				raw := value.InnerText()
				if raw == "" {
					continue
				}
				switch name {
				case "authorPerson":
					set.Add(CategoryProvider, hl7.ParseXCN(raw), Site{Node: value})
				case "authorInstitution":
					facility := hl7.ParseXON(raw)
					occ := set.Add(CategoryFacility, facility.Identifier, Site{Node: value})
					occ.Facility = facility
				}
			}
		}
	}
}

// findChildren returns the direct element children of n with the given
// local name.
func findChildren(n *xmlquery.Node, localName string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == localName {
			out = append(out, c)
		}
	}
	return out
}
