package weights

import (
	"fmt"

	"github.com/samcharles93/strata/internal/fault"
)

// ResourceError reports a shard build that failed on a missing tensor or an
// exhausted device. Tensor is empty when the failure is not tensor specific.
type ResourceError struct {
	Device int
	Tensor string
	Err    error
}

func (e *ResourceError) Error() string {
	if e.Tensor == "" {
		return fmt.Sprintf("device %d: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("device %d: tensor %s: %v", e.Device, e.Tensor, e.Err)
}

func (e *ResourceError) Unwrap() []error {
	return []error{fault.ErrResource, e.Err}
}
