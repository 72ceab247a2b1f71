package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AttributeReference resolves a stable reference id to the attribute's
// physical location. Type and InternalID only ever change together.
type AttributeReference struct {
	ID         string        `json:"id"`
	Type       AttributeType `json:"type"`
	InternalID string        `json:"internalId"`
}

// AttributeInput is either an existing reference id or a new attribute record.
type AttributeInput struct {
	ReferenceID string
	Create      *AttributeCreate
}

// ExistingAttribute references an already stored attribute.
func ExistingAttribute(referenceID string) AttributeInput {
	return AttributeInput{ReferenceID: referenceID}
}

// NewAttributeInput wraps a payload to be created.
func NewAttributeInput(p Payload) AttributeInput {
	c := NewAttribute(p)
	return AttributeInput{Create: &c}
}

// IsReference reports whether the input names an existing attribute.
func (in AttributeInput) IsReference() bool { return in.Create == nil }

func (in AttributeInput) MarshalJSON() ([]byte, error) {
	if in.Create != nil {
		return json.Marshal(in.Create)
	}
	return json.Marshal(in.ReferenceID)
}

func (in *AttributeInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		in.Create = nil
		return json.Unmarshal(b, &in.ReferenceID)
	}
	if len(b) == 0 || b[0] != '{' {
		return ValidationError{Field: "attributes", Reason: "expected attribute object or reference id"}
	}
	var c AttributeCreate
	if err := json.Unmarshal(b, &c); err != nil {
		return err
	}
	in.ReferenceID, in.Create = "", &c
	return nil
}

// ChildInput is either an existing unit id or a new sub-tree.
type ChildInput struct {
	UnitID string
	Create *UnitCreate
}

// ExistingChild references an already stored unit.
func ExistingChild(unitID string) ChildInput { return ChildInput{UnitID: unitID} }

// NewChild wraps a sub-tree to be created.
func NewChild(u UnitCreate) ChildInput { return ChildInput{Create: &u} }

// IsReference reports whether the input names an existing unit.
func (in ChildInput) IsReference() bool { return in.Create == nil }

func (in ChildInput) MarshalJSON() ([]byte, error) {
	if in.Create != nil {
		return json.Marshal(in.Create)
	}
	return json.Marshal(in.UnitID)
}

func (in *ChildInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		in.Create = nil
		return json.Unmarshal(b, &in.UnitID)
	}
	if len(b) == 0 || b[0] != '{' {
		return ValidationError{Field: "children", Reason: "expected unit object or unit id"}
	}
	var u UnitCreate
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	in.UnitID, in.Create = "", &u
	return nil
}

// UnitCreate is a tree payload mixing new records with existing ids.
type UnitCreate struct {
	Attributes []AttributeInput `json:"attributes,omitempty"`
	Children   []ChildInput     `json:"children,omitempty"`
}

// UnitCreateResponse mirrors the shape of the UnitCreate that produced it.
type UnitCreateResponse struct {
	ID           string        `json:"id"`
	AttributeIDs []string      `json:"attributeIds"`
	Children     []ChildResult `json:"children"`
}

// ChildResult is either a reused unit id or the nested creation response.
type ChildResult struct {
	ID      string
	Created *UnitCreateResponse
}

func (c ChildResult) MarshalJSON() ([]byte, error) {
	if c.Created != nil {
		return json.Marshal(c.Created)
	}
	return json.Marshal(struct {
		ID       string `json:"id"`
		Existing bool   `json:"existing"`
	}{ID: c.ID, Existing: true})
}

func (c *ChildResult) UnmarshalJSON(b []byte) error {
	var probe struct {
		ID       string `json:"id"`
		Existing bool   `json:"existing"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decode child result: %w", err)
	}
	if probe.Existing {
		c.ID, c.Created = probe.ID, nil
		return nil
	}
	var created UnitCreateResponse
	if err := json.Unmarshal(b, &created); err != nil {
		return fmt.Errorf("decode child result: %w", err)
	}
	c.ID, c.Created = created.ID, &created
	return nil
}

// Unit is a fully resolved tree node.
type Unit struct {
	ID         string      `json:"id"`
	Attributes []Attribute `json:"attributes"`
	Children   []Unit      `json:"children"`
}

// Attribute returns the unit's attribute of type t, if any.
func (u Unit) Attribute(t AttributeType) (Attribute, bool) {
	for _, a := range u.Attributes {
		if a.Type() == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// UnitRecord is a unit as held by the unit store.
type UnitRecord struct {
	ID           string   `json:"id"`
	AttributeIDs []string `json:"attributeIds"`
	ChildIDs     []string `json:"childrenIds"`
	Version      int64    `json:"version"`
}

// Clone returns a deep copy of r with non-nil id slices.
func (r UnitRecord) Clone() UnitRecord {
	cp := r
	cp.AttributeIDs = copyIDs(r.AttributeIDs)
	cp.ChildIDs = copyIDs(r.ChildIDs)
	return cp
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// UnitQuery selects units by field equality. Empty fields match anything.
type UnitQuery struct {
	AttributeID string
	ChildID     string
	Limit       int
}

// Matches reports whether r satisfies q, ignoring Limit.
func (q UnitQuery) Matches(r UnitRecord) bool {
	if q.AttributeID != "" && !contains(r.AttributeIDs, q.AttributeID) {
		return false
	}
	if q.ChildID != "" && !contains(r.ChildIDs, q.ChildID) {
		return false
	}
	return true
}

// AttributeFilter narrows attribute listings. A zero Type lists every type;
// a zero Limit is unbounded.
type AttributeFilter struct {
	Type  AttributeType
	Limit int
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
