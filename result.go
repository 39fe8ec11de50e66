package microprocessor

// HandleResult is what a handler pipeline produced: the events published to
// the output stream and to the metadata stream. Filters replace parts of a
// result through the With methods, which leave the receiver untouched.
type HandleResult struct {
	Output   MessageStream
	Metadata MessageStream
}

// WithOutput returns a copy of r with the given output stream.
func (r HandleResult) WithOutput(output MessageStream) HandleResult {
	r.Output = output
	return r
}

// WithMetadata returns a copy of r with the given metadata stream.
func (r HandleResult) WithMetadata(metadata MessageStream) HandleResult {
	r.Metadata = metadata
	return r
}

// ExecuteResult is what a query pipeline produced.
type ExecuteResult struct {
	Value    any
	Metadata MessageStream
}

// WithValue returns a copy of r with the given value.
func (r ExecuteResult) WithValue(value any) ExecuteResult {
	r.Value = value
	return r
}

// WithMetadata returns a copy of r with the given metadata stream.
func (r ExecuteResult) WithMetadata(metadata MessageStream) ExecuteResult {
	r.Metadata = metadata
	return r
}
