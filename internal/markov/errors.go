package markov

import (
	"errors"

	"markovnet/internal/nodetable"
)

var (
	ErrGenomeTooShort   = errors.New("genome too short")
	ErrNoNodes          = errors.New("genome decodes to zero nodes")
	ErrMalformedTable   = errors.New("malformed probability table")
	ErrInputSize        = errors.New("input size mismatch")
	ErrOutputSize       = errors.New("output size mismatch")
	ErrInputValue       = errors.New("input value is not a number")
	ErrClosed           = errors.New("network is closed")
	ErrFeedbackDisabled = errors.New("feedback learning is disabled")

	ErrFootprintMismatch = nodetable.ErrFootprintMismatch
)
