package types

import (
	"errors"
	"fmt"
)

var (
	// ErrFatalConfig aborts construction: the embedding model could not be
	// loaded or its dimensionality is not the one the model must have.
	ErrFatalConfig = errors.New("fatal configuration error")

	// ErrIngestion is returned when embedding or storage fails during upsert.
	ErrIngestion = errors.New("ingestion failed")

	// ErrInvalidDocument is returned for documents violating the data model.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrDenseDisabled is returned by operations that need the dense stage
	// while the engine runs in degraded mode.
	ErrDenseDisabled = errors.New("dense stage disabled")

	// ErrDimensionMismatch reports vectors whose length differs from the
	// provider dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// StageError carries the stage that failed during retrieval.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
