package artifact

import "errors"

// ErrInvalidArtifact is returned by Store for malformed artifacts.
var ErrInvalidArtifact = errors.New("invalid artifact")
