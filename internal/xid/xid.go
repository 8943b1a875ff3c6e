package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier such as
// "sale_01925c7e-8a3b-7c4d-9e0f-1a2b3c4d5e6f".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}
