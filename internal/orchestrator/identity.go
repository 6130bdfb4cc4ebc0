package orchestrator

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewIdentity builds the per-process leaseholder identity. It is assigned
// once at startup and written as leased_by on every claimed row; the uuid
// keeps concurrent orchestrators on one host distinct.
func NewIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%s", hostname, uuid.New().String())
}
