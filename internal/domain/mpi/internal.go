package mpi

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
	"github.com/openhie/xds-mediator/internal/platform/hl7v2"
)

// InternalRegistry is an in-memory identifier registry. It serves
// deterministic provider and facility mappings, and doubles as the
// patient registry in tests and single-node deployments.
type InternalRegistry struct {
	mu       sync.RWMutex
	mappings map[string]hl7.Identifier
}

// NewInternalRegistry creates an empty registry.
func NewInternalRegistry() *InternalRegistry {
	return &InternalRegistry{mappings: make(map[string]hl7.Identifier)}
}

func mappingKey(id hl7.Identifier) string {
	return id.Value + "|" + strings.ToLower(id.Authority.String())
}

// Add records a local-to-enterprise mapping.
func (r *InternalRegistry) Add(local, enterprise hl7.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[mappingKey(local)] = enterprise
}

// Resolve returns the configured enterprise identifier, or a zero
// Identifier when no mapping exists.
func (r *InternalRegistry) Resolve(ctx context.Context, id hl7.Identifier, target hl7.AssigningAuthority) (hl7.Identifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mappings[mappingKey(id)], nil
}

// InternalFeed registers patients straight into an InternalRegistry:
// every identifier on the record maps to one freshly minted enterprise
// identifier in the target domain.
type InternalFeed struct {
	registry *InternalRegistry
	target   hl7.AssigningAuthority
}

// NewInternalFeed creates a feed writing into registry.
func NewInternalFeed(registry *InternalRegistry, target hl7.AssigningAuthority) *InternalFeed {
	return &InternalFeed{registry: registry, target: target}
}

// Register mints an enterprise identifier and maps every identifier on
// the record to it.
func (f *InternalFeed) Register(ctx context.Context, rec hl7v2.PatientRecord) error {
	enterprise := hl7.Identifier{
		Value:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Authority: f.target,
	}
	for _, id := range rec.Identifiers {
		f.registry.Add(id, enterprise)
	}
	return nil
}
