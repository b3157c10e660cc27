package pnr

import (
	"bytes"
	"strings"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// XDS registry error codes and response URNs from ebRS 3.0.
const (
	ErrorCodeUnknownPatientID = "XDSUnknownPatientId"
	ErrorCodeRepositoryError  = "XDSRepositoryError"
	ErrorCodeRegistryError    = "XDSRegistryError"

	severityError = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"
	statusFailure = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"

	namespaceRS = "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0"
)

// RegistryError is one ebXML error entry of a failure response.
type RegistryError struct {
	Code    string
	Context string
}

// UnknownPatientError reports a patient identifier the registry could
// not resolve.
func UnknownPatientError(id hl7.Identifier) RegistryError {
	return RegistryError{
		Code:    ErrorCodeUnknownPatientID,
		Context: "Failed to resolve patient identifier: " + id.CX(),
	}
}

// UnresolvedProviderError reports a healthcare worker identifier the
// registry could not resolve.
func UnresolvedProviderError(id hl7.Identifier) RegistryError {
	return RegistryError{
		Code:    ErrorCodeRepositoryError,
		Context: "Failed to resolve healthcare worker identifier: " + id.XCN(),
	}
}

// UnresolvedFacilityError reports a facility identifier the registry
// could not resolve.
func UnresolvedFacilityError(f hl7.FacilityIdentifier) RegistryError {
	return RegistryError{
		Code:    ErrorCodeRepositoryError,
		Context: "Failed to resolve facility identifier: " + f.XON(),
	}
}

// TransportError reports an I/O or protocol failure talking to the MPI
// or identity feed.
func TransportError(message string) RegistryError {
	return RegistryError{Code: ErrorCodeRepositoryError, Context: message}
}

// InternalError reports a malformed request or an unexpected internal
// condition with a safe message.
func InternalError(message string) RegistryError {
	return RegistryError{Code: ErrorCodeRegistryError, Context: message}
}

// BuildFailureResponse renders an ebXML RegistryResponse with Failure
// status and one RegistryError element per entry. The shape matches
// what XDS document sources expect on the wire, prefix included.
func BuildFailureResponse(errs []RegistryError) []byte {
	var b bytes.Buffer

	b.WriteString(`<ns3:RegistryResponse xmlns:ns3="`)
	b.WriteString(namespaceRS)
	b.WriteString(`" status="`)
	b.WriteString(statusFailure)
	b.WriteString(`"><ns3:RegistryErrorList>`)

	for _, e := range errs {
		b.WriteString(`<ns3:RegistryError errorCode="`)
		b.WriteString(escapeAttr(e.Code))
		b.WriteString(`" codeContext="`)
		b.WriteString(escapeAttr(e.Context))
		b.WriteString(`" severity="`)
		b.WriteString(severityError)
		b.WriteString(`"/>`)
	}

	b.WriteString(`</ns3:RegistryErrorList></ns3:RegistryResponse>`)

	return b.Bytes()
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	`"`, "&quot;",
)

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
