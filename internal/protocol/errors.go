package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrShortPayload  = errors.New("payload too short")
	ErrFrameTooLarge = errors.New("frame too large")
)

// UnknownOpcode wraps ErrUnknownOpcode with the offending byte.
func UnknownOpcode(op byte) error {
	return fmt.Errorf("%w 0x%02X", ErrUnknownOpcode, op)
}

// Status is the outcome byte of an EditResult.
type Status byte

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusNoPermission
	StatusNotLoggedIn
	StatusLocked
	StatusNotFound
	StatusOutOfBounds
	StatusInternal
)

var statusNames = map[Status]string{
	StatusOK:           "OK",
	StatusBadRequest:   "E_BAD_REQUEST",
	StatusNoPermission: "E_NO_PERMISSION",
	StatusNotLoggedIn:  "E_NOT_LOGGED_IN",
	StatusLocked:       "E_LOCKED",
	StatusNotFound:     "E_NOT_FOUND",
	StatusOutOfBounds:  "E_OUT_OF_BOUNDS",
	StatusInternal:     "E_INTERNAL",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("E_UNKNOWN(%d)", byte(s))
}

func IsKnownStatus(s Status) bool {
	_, ok := statusNames[s]
	return ok
}
