package metadata

// DecodeError is returned when a metadata blob cannot be decoded.
type DecodeError struct {
	// Stage names the decoding step that failed.
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return "metadata " + e.Stage + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
