package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle    = errors.New("dependency cycle")
	ErrConflict = errors.New("conflicting pipeline definition")
)

// CycleError is returned by Build when stage dependencies form a cycle.
// Path starts and ends with the same stage id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// ConflictError is returned by Build when two stages claim the same id or the
// same output artifact key.
type ConflictError struct {
	// What is either "stage id" or "output".
	What   string
	Key    string
	Stages []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %q claimed by stages %s", ErrConflict, e.What, e.Key, strings.Join(e.Stages, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
