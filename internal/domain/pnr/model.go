// Package pnr implements the Provide and Register Document Set-b
// (ITI-41) pipeline: parsing the ebXML submission, extracting every
// patient, healthcare worker and facility identifier, resolving each
// against the MPI, and rewriting the document in place with the
// resolved enterprise identifiers.
package pnr

import (
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// Category names the kind of identifier an occurrence carries.
type Category string

const (
	CategoryPatient  Category = "patient"
	CategoryProvider Category = "provider"
	CategoryFacility Category = "facility"
)

// Site is one location in the parsed DOM holding an identifier: either
// an attribute on Node (Attr non-empty) or the node's text content.
type Site struct {
	Node *xmlquery.Node
	Attr string
}

// SetValue overwrites the identifier at the site. Attribute sites
// replace the attribute value; text sites replace the node's children
// with a single text node.
func (s Site) SetValue(v string) {
	if s.Attr != "" {
		for i := range s.Node.Attr {
			if s.Node.Attr[i].Name.Local == s.Attr {
				s.Node.Attr[i].Value = v
				return
			}
		}
		return
	}

	text := &xmlquery.Node{
		Type:   xmlquery.TextNode,
		Data:   v,
		Parent: s.Node,
	}
	s.Node.FirstChild = text
	s.Node.LastChild = text
}

// Value reads the current identifier at the site.
func (s Site) Value() string {
	if s.Attr != "" {
		return s.Node.SelectAttr(s.Attr)
	}
	return s.Node.InnerText()
}

// Occurrence is one deduplicated identifier: a category, the decoded
// identifier, and every DOM site carrying it. Facility occurrences also
// keep the organization name for error reporting.
type Occurrence struct {
	Category Category
	ID       hl7.Identifier
	Facility hl7.FacilityIdentifier
	Sites    []Site
}

// Key returns the deduplication key: category plus the identifier value
// and authority.
func (o *Occurrence) Key() string {
	return occurrenceKey(o.Category, o.ID)
}

func occurrenceKey(category Category, id hl7.Identifier) string {
	return string(category) + "|" + id.Value + "|" + strings.ToLower(id.Authority.String())
}

// OccurrenceSet collects occurrences in document order, merging sites
// of duplicate identifiers into a single occurrence.
type OccurrenceSet struct {
	ordered []*Occurrence
	byKey   map[string]*Occurrence
}

// NewOccurrenceSet creates an empty set.
func NewOccurrenceSet() *OccurrenceSet {
	return &OccurrenceSet{byKey: make(map[string]*Occurrence)}
}

// Add records a site for the identifier, creating the occurrence on
// first sight.
func (s *OccurrenceSet) Add(category Category, id hl7.Identifier, site Site) *Occurrence {
	key := occurrenceKey(category, id)
	occ, ok := s.byKey[key]
	if !ok {
		occ = &Occurrence{Category: category, ID: id}
		s.byKey[key] = occ
		s.ordered = append(s.ordered, occ)
	}
	occ.Sites = append(occ.Sites, site)
	return occ
}

// All returns every occurrence in first-seen order.
func (s *OccurrenceSet) All() []*Occurrence {
	return s.ordered
}

// ByCategory returns the occurrences of one category in first-seen order.
func (s *OccurrenceSet) ByCategory(category Category) []*Occurrence {
	var out []*Occurrence
	for _, occ := range s.ordered {
		if occ.Category == category {
			out = append(out, occ)
		}
	}
	return out
}
