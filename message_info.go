package microprocessor

import "fmt"

// MessageSource classifies where a message in flight came from.
type MessageSource uint8

const (
	// SourceNone means no message is in flight.
	SourceNone MessageSource = iota
	// SourceQuery marks a query or the input message of a query.
	SourceQuery
	// SourceInputStream marks a message submitted by the caller.
	SourceInputStream
	// SourceOutputStream marks an event published by a handler.
	SourceOutputStream
	// SourceMetadataStream marks an event published to the metadata stream.
	SourceMetadataStream
)

func (s MessageSource) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceQuery:
		return "query"
	case SourceInputStream:
		return "input"
	case SourceOutputStream:
		return "output"
	case SourceMetadataStream:
		return "metadata"
	default:
		return fmt.Sprintf("MessageSource(%d)", uint8(s))
	}
}

// MessageInfo is a message together with its source.
type MessageInfo struct {
	Message any
	Source  MessageSource
}

func (i MessageInfo) String() string {
	return fmt.Sprintf("%T (%s)", i.Message, i.Source)
}
