// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"fmt"
)

// SenseCode identifies the disposition of a failed PERSISTENT RESERVE
// request: either a SCSI status (no sense data carried) or an ILLEGAL
// REQUEST sense key with a specific ASC/ASCQ (SPC-4 clause 6.16).
type SenseCode uint32

const (
	// SenseOK indicates the request completed normally.
	SenseOK SenseCode = iota
	// SenseParameterListLengthInvalid: ILLEGAL REQUEST, ASC/ASCQ 1A/00.
	SenseParameterListLengthInvalid
	// SenseInvalidFieldInParameterList: ILLEGAL REQUEST, ASC/ASCQ 26/00.
	SenseInvalidFieldInParameterList
	// SenseInvalidFieldInCDB: ILLEGAL REQUEST, ASC/ASCQ 24/00.
	SenseInvalidFieldInCDB
	// SenseReservationConflict is a SAM status, not a sense condition.
	SenseReservationConflict
	// SenseBusy is a SAM status returned on resource-allocation failure
	// or a programming-invariant violation that the caller cannot be
	// allowed to retry blindly against.
	SenseBusy
)

func (c SenseCode) String() string {
	switch c {
	case SenseOK:
		return "OK"
	case SenseParameterListLengthInvalid:
		return "PARAMETER LIST LENGTH ERROR"
	case SenseInvalidFieldInParameterList:
		return "INVALID FIELD IN PARAMETER LIST"
	case SenseInvalidFieldInCDB:
		return "INVALID FIELD IN CDB"
	case SenseReservationConflict:
		return "RESERVATION CONFLICT"
	case SenseBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("SenseCode(%d)", uint32(c))
	}
}

// FieldPointer locates the offending byte (and, for parameter-list
// errors, bit) of an INVALID FIELD sense condition, mirroring SPC-4's
// "field pointer" sense-specific information.
type FieldPointer struct {
	ByteOffset int
	BitOffset  int
	// BitValid reports whether BitOffset is meaningful: set only when
	// the condition points at a specific bit inside the byte rather
	// than the whole byte.
	BitValid bool
}

// Error is the error type every PR service-action handler returns on
// failure. It never carries a nil SenseCode; construct it with NewError
// or one of the New*Error helpers instead of a bare struct literal.
type Error struct {
	Code  SenseCode
	Field FieldPointer
	Text  string
}

// NewError constructs an Error with the given code and optional message.
// A zero-value message defaults to the code's own description, matching
// the pattern chapi2/cerrors.NewChapiError uses for its default text.
func NewError(code SenseCode, msg ...string) *Error {
	text := code.String()
	if len(msg) > 0 && msg[0] != "" {
		text = msg[0]
	}
	return &Error{Code: code, Text: text}
}

// NewFieldError constructs an INVALID FIELD error pointing at a specific
// byte/bit, for SenseInvalidFieldInParameterList or SenseInvalidFieldInCDB.
func NewFieldError(code SenseCode, byteOffset, bitOffset int, bitValid bool, msg string) *Error {
	return &Error{
		Code:  code,
		Field: FieldPointer{ByteOffset: byteOffset, BitOffset: bitOffset, BitValid: bitValid},
		Text:  msg,
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Field.BitValid || e.Field.ByteOffset != 0 {
		return fmt.Sprintf("%s: %s (byte %d, bit %d)", e.Code, e.Text, e.Field.ByteOffset, e.Field.BitOffset)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// ErrorCode returns OK for a nil *Error so callers can test err.ErrorCode()
// without a nil check, matching chapi2/cerrors.ChapiError.ErrorCode.
func (e *Error) ErrorCode() SenseCode {
	if e == nil {
		return SenseOK
	}
	return e.Code
}

var (
	errReservationConflict = NewError(SenseReservationConflict)
	errBusy                = NewError(SenseBusy)
)
