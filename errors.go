package offlinecache

import perrors "github.com/jmgilman/go/errors"

var (
	// ErrIgnored is returned for requests the agent does not handle (non-GET).
	// They should be sent to the network unmodified.
	ErrIgnored = perrors.New(perrors.CodeInvalidInput, "request not handled by the agent")
	// ErrNoResponse is returned when neither the network nor the store produced a response.
	ErrNoResponse = perrors.New(perrors.CodeNotFound, "no response available")
	// ErrNotInstalled is returned when activating before a successful install.
	ErrNotInstalled = perrors.New(perrors.CodeConflict, "generation has not been installed")
)
