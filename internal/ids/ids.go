// Package ids issues the opaque identifiers used for queue entries and reservations.
package ids

import "github.com/google/uuid"

// Provider issues globally unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
// UUIDv7 values sort by creation time, which keeps ids readable in queue dumps.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
