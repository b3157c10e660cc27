package pnr

import "github.com/openhie/xds-mediator/internal/platform/hl7"

// rewriteOccurrence overwrites every DOM site of the occurrence with
// the resolved enterprise identifier. Patient sites take the plain CX
// form; provider and facility sites keep their surrounding XCN/XON
// components and swap only the identifier parts.
func rewriteOccurrence(occ *Occurrence, enterprise hl7.Identifier) {
	for _, site := range occ.Sites {
		switch occ.Category {
		case CategoryPatient:
			site.SetValue(enterprise.CX())
		case CategoryProvider:
			site.SetValue(hl7.EnrichXCN(site.Value(), enterprise))
		case CategoryFacility:
			site.SetValue(hl7.EnrichXON(site.Value(), enterprise))
		}
	}
}
