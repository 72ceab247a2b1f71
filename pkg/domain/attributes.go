package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AttributeType tags one of the closed set of attribute schemas.
type AttributeType string

const (
	AttributeAddress AttributeType = "address"
	AttributeLabel   AttributeType = "label"
	AttributePrice   AttributeType = "price"
	AttributeComment AttributeType = "comment"
)

// AttributeTypes lists every supported attribute type in declaration order.
var AttributeTypes = []AttributeType{
	AttributeAddress,
	AttributeLabel,
	AttributePrice,
	AttributeComment,
}

// Valid reports whether t belongs to the closed set of attribute types.
func (t AttributeType) Valid() bool {
	for _, known := range AttributeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseAttributeType converts raw into an AttributeType, returning
// InvalidTypeError for tags outside the closed set.
func ParseAttributeType(raw string) (AttributeType, error) {
	t := AttributeType(raw)
	if !t.Valid() {
		return "", InvalidTypeError{Type: raw}
	}
	return t, nil
}

// Payload is the type-specific body of an attribute record.
type Payload interface {
	AttributeType() AttributeType
	// Validate checks the per-type required fields.
	Validate() error
}

// Coordinates pins an address to a point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Address is the payload of an address attribute.
type Address struct {
	Number      string       `json:"number,omitempty"`
	Street      string       `json:"street"`
	Street2     string       `json:"street2,omitempty"`
	City        string       `json:"city"`
	Zip         string       `json:"zip"`
	State       string       `json:"state,omitempty"`
	Country     string       `json:"country"`
	Entrance    string       `json:"entrance,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Label is the payload of a label attribute.
type Label struct {
	Label string `json:"label"`
}

// Price is the payload of a price attribute.
type Price struct {
	Price float64 `json:"price"`
}

// Comment is the payload of a comment attribute.
type Comment struct {
	Comment string `json:"comment"`
}

func (Address) AttributeType() AttributeType { return AttributeAddress }
func (Label) AttributeType() AttributeType   { return AttributeLabel }
func (Price) AttributeType() AttributeType   { return AttributePrice }
func (Comment) AttributeType() AttributeType { return AttributeComment }

func (a Address) Validate() error {
	required := []struct{ field, value string }{
		{"street", a.Street},
		{"city", a.City},
		{"zip", a.Zip},
		{"country", a.Country},
	}
	for _, r := range required {
		if r.value == "" {
			return ValidationError{Field: "address." + r.field, Reason: "required"}
		}
	}
	return nil
}

func (l Label) Validate() error {
	if l.Label == "" {
		return ValidationError{Field: "label.label", Reason: "required"}
	}
	return nil
}

func (Price) Validate() error { return nil }

func (c Comment) Validate() error {
	if c.Comment == "" {
		return ValidationError{Field: "comment.comment", Reason: "required"}
	}
	return nil
}

// NewPayload returns an empty payload value for t.
func NewPayload(t AttributeType) (Payload, error) {
	switch t {
	case AttributeAddress:
		return &Address{}, nil
	case AttributeLabel:
		return &Label{}, nil
	case AttributePrice:
		return &Price{}, nil
	case AttributeComment:
		return &Comment{}, nil
	default:
		return nil, InvalidTypeError{Type: string(t)}
	}
}

// derefPayload normalizes pointer payloads produced by NewPayload to values.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *Address:
		return *v
	case *Label:
		return *v
	case *Price:
		return *v
	case *Comment:
		return *v
	default:
		return p
	}
}

// DecodePayload decodes raw JSON fields into the payload schema of t.
func DecodePayload(t AttributeType, raw []byte) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s attribute: %w", t, err)
	}
	return derefPayload(p), nil
}

// AttributeCreate is an attribute record without an id.
type AttributeCreate struct {
	Payload Payload
}

// NewAttribute wraps p into an AttributeCreate.
func NewAttribute(p Payload) AttributeCreate { return AttributeCreate{Payload: derefPayload(p)} }

// Type returns the attribute type, or "" when no payload is set.
func (a AttributeCreate) Type() AttributeType {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.AttributeType()
}

// Validate checks the type tag and the per-type required fields.
func (a AttributeCreate) Validate() error {
	if a.Payload == nil {
		return ValidationError{Field: "type", Reason: "required"}
	}
	if !a.Type().Valid() {
		return InvalidTypeError{Type: string(a.Type())}
	}
	return a.Payload.Validate()
}

func (a AttributeCreate) MarshalJSON() ([]byte, error) {
	return marshalFlat("", a.Payload)
}

func (a *AttributeCreate) UnmarshalJSON(b []byte) error {
	_, p, err := unmarshalFlat(b)
	if err != nil {
		return err
	}
	a.Payload = p
	return nil
}

// Attribute is a stored attribute as seen by callers: ID is always the
// reference id, never the repository-internal id.
type Attribute struct {
	ID      string
	Payload Payload
}

// Type returns the attribute type.
func (a Attribute) Type() AttributeType {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.AttributeType()
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	return marshalFlat(a.ID, a.Payload)
}

func (a *Attribute) UnmarshalJSON(b []byte) error {
	id, p, err := unmarshalFlat(b)
	if err != nil {
		return err
	}
	a.ID, a.Payload = id, p
	return nil
}

// marshalFlat renders {"id":..., "type":..., <payload fields>} so the wire
// shape matches a single flat record.
func marshalFlat(id string, p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("marshal attribute: missing payload")
	}
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	if id != "" {
		idJSON, _ := json.Marshal(id)
		buf.WriteString(`"id":`)
		buf.Write(idJSON)
		buf.WriteByte(',')
	}
	typeJSON, _ := json.Marshal(p.AttributeType())
	buf.WriteString(`"type":`)
	buf.Write(typeJSON)
	inner := bytes.TrimSpace(fields)
	inner = bytes.TrimPrefix(inner, []byte("{"))
	inner = bytes.TrimSuffix(inner, []byte("}"))
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func unmarshalFlat(b []byte) (string, Payload, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return "", nil, fmt.Errorf("decode attribute: %w", err)
	}
	if head.Type == "" {
		return "", nil, ValidationError{Field: "type", Reason: "required"}
	}
	t, err := ParseAttributeType(head.Type)
	if err != nil {
		return "", nil, err
	}
	p, err := DecodePayload(t, b)
	if err != nil {
		return "", nil, err
	}
	return head.ID, p, nil
}
