// Package hl7 implements the HL7 v2 composite datatypes carried inside XDS
// document metadata: CX (extended composite ID), XCN (extended person name)
// and XON (extended organization name). Components are addressed 1-based as
// in the HL7 standard. Empty inner components are preserved on both parse
// and render; downstream XDS actors depend on the exact component shapes.
package hl7

import "strings"

const (
	componentSep    = "^"
	subcomponentSep = "&"
)

// AssigningAuthority is the HL7 HD (hierarchic designator) triple that
// scopes an identifier. At least one of the three fields is expected to be
// non-empty on real identifiers; equality is by the full triple.
type AssigningAuthority struct {
	NamespaceID     string
	UniversalID     string
	UniversalIDType string
}

// ParseAssigningAuthority decodes an HD subcomponent group of the form
// namespace&universalId&universalIdType. Missing subcomponents are empty.
func ParseAssigningAuthority(s string) AssigningAuthority {
	parts := strings.Split(s, subcomponentSep)
	var a AssigningAuthority
	if len(parts) > 0 {
		a.NamespaceID = parts[0]
	}
	if len(parts) > 1 {
		a.UniversalID = parts[1]
	}
	if len(parts) > 2 {
		a.UniversalIDType = parts[2]
	}
	return a
}

// IsEmpty reports whether all three HD fields are blank.
func (a AssigningAuthority) IsEmpty() bool {
	return a.NamespaceID == "" && a.UniversalID == "" && a.UniversalIDType == ""
}

// Matches reports whether two authorities identify the same assigner. A
// non-empty universal ID match wins; otherwise a non-empty namespace match
// counts. Two empty authorities do not match.
func (a AssigningAuthority) Matches(b AssigningAuthority) bool {
	if a.UniversalID != "" && a.UniversalID == b.UniversalID {
		return true
	}
	if a.NamespaceID != "" && a.NamespaceID == b.NamespaceID {
		return true
	}
	return false
}

// String renders the HD as namespace&universalId&type with trailing empty
// subcomponents dropped, matching how XDS metadata serializes authorities
// (`&1.2.3&ISO`, `&1.2.3`, `ECID&ECID&ECID`).
func (a AssigningAuthority) String() string {
	s := a.NamespaceID + subcomponentSep + a.UniversalID + subcomponentSep + a.UniversalIDType
	return strings.TrimRight(s, subcomponentSep)
}

// Identifier is a single identifier value scoped by its assigning
// authority. The zero value is the "no identifier" sentinel.
type Identifier struct {
	Value     string
	Authority AssigningAuthority
}

// IsZero reports whether the identifier carries no value and no authority.
func (id Identifier) IsZero() bool {
	return id.Value == "" && id.Authority.IsEmpty()
}

// CX renders the identifier in the 4-component CX form used by XDS
// patientId external identifiers: value^^^namespace&universalId&type.
func (id Identifier) CX() string {
	return id.Value + "^^^" + id.Authority.String()
}

// XCN renders the identifier in the 9-component XCN shape used when a
// healthcare worker identifier is reported without name parts:
// value^^^^^^^^authority.
func (id Identifier) XCN() string {
	return id.Value + "^^^^^^^^" + id.Authority.String()
}

// FacilityIdentifier pairs an organization identifier (XON.10 scoped by
// XON.6) with the organization name from XON.1. The name is carried for
// rendering only; identity and deduplication use the embedded Identifier.
type FacilityIdentifier struct {
	Identifier
	OrganizationName string
}

// XON renders the facility in the 10-component XON shape:
// name^^^^^authority^^^^idNumber.
func (f FacilityIdentifier) XON() string {
	return f.OrganizationName + "^^^^^" + f.Authority.String() + "^^^^" + f.Value
}

// Field is a decoded HL7 composite field. Reading a component past the end
// yields ""; writing past the end extends the field with empty components.
type Field struct {
	components []string
}

// ParseField splits a composite field on the ^ separator.
func ParseField(s string) *Field {
	return &Field{components: strings.Split(s, componentSep)}
}

// Component returns the i-th component (1-based).
func (f *Field) Component(i int) string {
	if i < 1 || i > len(f.components) {
		return ""
	}
	return f.components[i-1]
}

// SetComponent assigns the i-th component (1-based), growing the field as
// needed so intermediate components stay empty rather than disappearing.
func (f *Field) SetComponent(i int, v string) {
	if i < 1 {
		return
	}
	for len(f.components) < i {
		f.components = append(f.components, "")
	}
	f.components[i-1] = v
}

// Len returns the number of components present.
func (f *Field) Len() int { return len(f.components) }

// String re-renders the field, preserving every component boundary.
func (f *Field) String() string {
	return strings.Join(f.components, componentSep)
}

// ParseCX decodes a CX composite: CX.1 is the value, CX.4 the assigning
// authority HD.
func ParseCX(s string) Identifier {
	f := ParseField(s)
	return Identifier{
		Value:     f.Component(1),
		Authority: ParseAssigningAuthority(f.Component(4)),
	}
}

// ParseXCN decodes an XCN composite: XCN.1 is the person identifier,
// XCN.9 the assigning authority HD. Name components are not returned;
// callers that rewrite XCN fields use EnrichXCN to keep them intact.
func ParseXCN(s string) Identifier {
	f := ParseField(s)
	return Identifier{
		Value:     f.Component(1),
		Authority: ParseAssigningAuthority(f.Component(9)),
	}
}

// ParseXON decodes an XON composite: XON.1 organization name, XON.6
// assigning authority HD, XON.10 organization identifier.
func ParseXON(s string) FacilityIdentifier {
	f := ParseField(s)
	return FacilityIdentifier{
		Identifier: Identifier{
			Value:     f.Component(10),
			Authority: ParseAssigningAuthority(f.Component(6)),
		},
		OrganizationName: f.Component(1),
	}
}

// EnrichXCN replaces the identifier parts of an XCN composite (XCN.1 and
// XCN.9) with the enterprise identifier while preserving the name and
// qualification components in between.
func EnrichXCN(original string, enterprise Identifier) string {
	f := ParseField(original)
	f.SetComponent(1, enterprise.Value)
	f.SetComponent(9, enterprise.Authority.String())
	return f.String()
}

// EnrichXON replaces the identifier parts of an XON composite (XON.6 and
// XON.10) with the enterprise identifier while preserving the organization
// name and the components in between.
func EnrichXON(original string, enterprise Identifier) string {
	f := ParseField(original)
	f.SetComponent(6, enterprise.Authority.String())
	f.SetComponent(10, enterprise.Value)
	return f.String()
}
