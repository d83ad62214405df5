package procspec

import (
	"fmt"
	"strings"
)

// ValidationError reports every problem found while loading specs.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "invalid process spec"
	case 1:
		return "invalid process spec: " + e.Problems[0]
	default:
		return fmt.Sprintf("invalid process specs (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
	}
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
