package domain

import (
	"context"

	"github.com/google/uuid"
)

// StorageDriver identifies a concrete backend implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // volatile, in-process
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// AttributeReader is the read half of the attribute repository.
type AttributeReader interface {
	GetAttribute(ctx context.Context, t AttributeType, internalID string) (AttributeCreate, error)
}

// AttributeRepository keeps one independent keyed collection per attribute type.
type AttributeRepository interface {
	AttributeReader
	// PutAttribute stores or replaces the record under (type, internalID).
	PutAttribute(ctx context.Context, internalID string, record AttributeCreate) error
	// DeleteAttribute removes the record under (type, internalID). Deleting a
	// missing record is not an error.
	DeleteAttribute(ctx context.Context, t AttributeType, internalID string) error
}

// ReferenceReader is the read half of the attribute index.
type ReferenceReader interface {
	ResolveReference(ctx context.Context, referenceID string) (AttributeReference, error)
	ListReferences(ctx context.Context, filter AttributeFilter) ([]AttributeReference, error)
}

// AttributeIndex maps reference ids to (type, internal id) pairs. It performs
// no validation against the repository.
type AttributeIndex interface {
	ReferenceReader
	// CreateReference generates a new reference id for the pair.
	CreateReference(ctx context.Context, t AttributeType, internalID string) (string, error)
	UpdateReference(ctx context.Context, ref AttributeReference) error
}

// UnitReader is the read half of the unit store.
type UnitReader interface {
	GetUnit(ctx context.Context, unitID string) (UnitRecord, error)
	FindUnits(ctx context.Context, q UnitQuery) ([]UnitRecord, error)
}

// UnitStore holds unit nodes.
type UnitStore interface {
	UnitReader
	// PutUnit inserts a new unit at version 1.
	PutUnit(ctx context.Context, unit UnitRecord) error
	// UpdateUnitAttributes replaces the reference list if the stored version
	// still equals expectedVersion, bumping the version. Otherwise it returns
	// ConflictError.
	UpdateUnitAttributes(ctx context.Context, unitID string, expectedVersion int64, attributeIDs []string) error
}

// TransactionView provides read access to all three components. Views
// returned by Backend.Reader are safe for concurrent use.
type TransactionView interface {
	AttributeReader
	ReferenceReader
	UnitReader
}

// Transaction exposes the mutating component operations within an atomic scope.
type Transaction interface {
	TransactionView
	AttributeRepository
	AttributeIndex
	UnitStore
}

// Backend is the capability every storage variant implements.
type Backend interface {
	Reader() TransactionView
	// RunInTransaction commits the writes made by fn if it returns nil and
	// discards them otherwise.
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	Driver() StorageDriver
	Close() error
}

// Database is the storage-facing contract shared by every backend.
type Database interface {
	StoreAttribute(ctx context.Context, attribute AttributeCreate) (Attribute, error)
	// FetchAttribute returns nil when the reference does not resolve.
	FetchAttribute(ctx context.Context, referenceID string) (*Attribute, error)
	StoreUnit(ctx context.Context, unit UnitCreate) (UnitCreateResponse, error)
	// FetchUnit returns nil when the unit does not exist.
	FetchUnit(ctx context.Context, unitID string) (*Unit, error)
	// AddAttributeToUnit returns nil when the unit or reference does not exist
	// and the unchanged unit when it already holds an attribute of the same type.
	AddAttributeToUnit(ctx context.Context, unitID string, input AttributeInput) (*Unit, error)
	UpdateAttribute(ctx context.Context, referenceID string, attribute AttributeCreate) (Attribute, error)
	ListAttributes(ctx context.Context, filter AttributeFilter) ([]Attribute, error)
	FindUnits(ctx context.Context, q UnitQuery) ([]UnitRecord, error)
}

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// IsID reports whether s has the shape of an identifier produced by NewID.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
