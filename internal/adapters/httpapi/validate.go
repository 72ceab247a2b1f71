package httpapi

import (
	"fmt"

	"unitcore/pkg/domain"
)

// validateUnit checks a creation tree before it reaches the database:
// reference ids must look like ids and new attributes must be complete.
func validateUnit(u domain.UnitCreate) error {
	for i, a := range u.Attributes {
		if err := validateAttributeInput(a); err != nil {
			return fmt.Errorf("attributes[%d]: %w", i, err)
		}
	}
	for i, c := range u.Children {
		if c.IsReference() {
			if !domain.IsID(c.UnitID) {
				return fmt.Errorf("children[%d]: invalid unit id %q", i, c.UnitID)
			}
			continue
		}
		if err := validateUnit(*c.Create); err != nil {
			return fmt.Errorf("children[%d].%w", i, err)
		}
	}
	return nil
}

func validateAttributeInput(a domain.AttributeInput) error {
	if a.IsReference() {
		if !domain.IsID(a.ReferenceID) {
			return fmt.Errorf("invalid attribute id %q", a.ReferenceID)
		}
		return nil
	}
	return a.Create.Validate()
}
