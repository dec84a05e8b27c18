// Package errors provides structured error handling with machine-readable
// codes shared between the store, the sync server, and clients.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Document errors
	CodeDocumentNameEmpty    Code = "DOCUMENT_NAME_EMPTY"
	CodeDocumentIDEmpty      Code = "DOCUMENT_ID_EMPTY"
	CodeDocumentPayloadEmpty Code = "DOCUMENT_PAYLOAD_EMPTY"

	// Version chain errors
	CodeVersionInvalid  Code = "VERSION_INVALID"
	CodeChainGap        Code = "CHAIN_GAP"
	CodeChainParentLink Code = "CHAIN_PARENT_LINK"
	CodeChainHash       Code = "CHAIN_HASH_MISMATCH"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Sync protocol errors
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeTransportClosed   Code = "TRANSPORT_CLOSED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeRateLimited       Code = "RESOURCE_EXHAUSTED"

	// Client-side errors
	CodeConflictUnresolved Code = "CONFLICT_UNRESOLVED"
)

// WireCode maps domain codes to the coarse error kinds carried on the wire.
// Detail codes collapse into the taxonomy clients are expected to branch on.
func (c Code) WireCode() Code {
	switch c {
	case CodeDocumentNameEmpty,
		CodeDocumentIDEmpty,
		CodeDocumentPayloadEmpty,
		CodeVersionInvalid:
		return CodeInvalidArgument
	case CodeChainGap, CodeChainParentLink, CodeChainHash:
		return CodeStorageUnavailable
	case CodeNotFound,
		CodeConflict,
		CodeStorageUnavailable,
		CodeProtocolViolation,
		CodeTransportClosed,
		CodeInvalidArgument,
		CodeRateLimited,
		CodeConflictUnresolved:
		return c
	default:
		return CodeUnknown
	}
}

// Retryable reports whether a caller may retry the failed operation with
// backoff. Conflicts are deliberately not retryable: the caller must rebase
// onto the new head first.
func (c Code) Retryable() bool {
	return c.WireCode() == CodeStorageUnavailable
}
