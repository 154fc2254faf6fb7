package artifact

import (
	"errors"
	"fmt"
)

var ErrMissingArtifact = errors.New("missing artifact")

// MissingArtifactError reports an artifact that is not recorded, or whose
// file is absent.
type MissingArtifactError struct {
	Key  string
	Path string
}

func (e *MissingArtifactError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %q (%s)", ErrMissingArtifact, e.Key, e.Path)
	}
	return fmt.Sprintf("%s %q", ErrMissingArtifact, e.Key)
}

func (e *MissingArtifactError) Unwrap() error { return ErrMissingArtifact }
