package conn

import "fmt"

// TransportError is a QUIC transport error code, sent to the peer inside a
// CONNECTION_CLOSE frame. The zero value is NoError.
type TransportError uint64

// Transport error codes from the QUIC wire format (draft-23 numbering, per
// spec.md's wire-protocol contract).
const (
	ErrNoError                 TransportError = 0x0
	ErrInternalError           TransportError = 0x1
	ErrServerBusy              TransportError = 0x2
	ErrFlowControlError        TransportError = 0x3
	ErrStreamLimitError        TransportError = 0x4
	ErrStreamStateError        TransportError = 0x5
	ErrFinalSizeError          TransportError = 0x6
	ErrFrameEncodingError      TransportError = 0x7
	ErrTransportParameterError TransportError = 0x8
	ErrConnectionIDLimitError  TransportError = 0x9
	ErrProtocolViolation       TransportError = 0xa
	ErrInvalidToken            TransportError = 0xb
	ErrApplicationError        TransportError = 0xc
	ErrCryptoBufferExceeded    TransportError = 0xd
	ErrVersionNegotiationError TransportError = 0x11
)

func (e TransportError) Error() string {
	if name, ok := transportErrorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("transport error 0x%x", uint64(e))
}

var transportErrorNames = map[TransportError]string{
	ErrNoError:                 "NO_ERROR",
	ErrInternalError:           "INTERNAL_ERROR",
	ErrServerBusy:              "SERVER_BUSY",
	ErrFlowControlError:        "FLOW_CONTROL_ERROR",
	ErrStreamLimitError:        "STREAM_LIMIT_ERROR",
	ErrStreamStateError:        "STREAM_STATE_ERROR",
	ErrFinalSizeError:          "FINAL_SIZE_ERROR",
	ErrFrameEncodingError:      "FRAME_ENCODING_ERROR",
	ErrTransportParameterError: "TRANSPORT_PARAMETER_ERROR",
	ErrConnectionIDLimitError:  "CONNECTION_ID_LIMIT_ERROR",
	ErrProtocolViolation:       "PROTOCOL_VIOLATION",
	ErrInvalidToken:            "INVALID_TOKEN",
	ErrApplicationError:        "APPLICATION_ERROR",
	ErrCryptoBufferExceeded:    "CRYPTO_BUFFER_EXCEEDED",
	ErrVersionNegotiationError: "VERSION_NEGOTIATION_ERROR",
}

// Status is the internal (non-wire) outcome of an operation, returned
// instead of panicking or using exception-style control flow (§7).
type Status uint32

const (
	StatusSuccess Status = iota
	StatusOutOfMemory
	StatusInvalidParameter
	StatusInvalidState
	StatusBufferTooSmall
	StatusAborted
	StatusUnreachable
	StatusConnectionIdle
	StatusVerNegError
	StatusProtocolError
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusInvalidState:
		return "INVALID_STATE"
	case StatusBufferTooSmall:
		return "BUFFER_TOO_SMALL"
	case StatusAborted:
		return "ABORTED"
	case StatusUnreachable:
		return "UNREACHABLE"
	case StatusConnectionIdle:
		return "CONNECTION_IDLE"
	case StatusVerNegError:
		return "VER_NEG_ERROR"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// StatusError adapts a Status to the error interface for callers that want
// to propagate it through normal Go error-handling paths, without turning
// it into wire-format CONNECTION_CLOSE state (see TryClose for that).
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string { return e.Status.String() }

// Err wraps s as an error if it is not StatusSuccess, otherwise returns nil.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}
