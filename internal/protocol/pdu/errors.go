package pdu

import "errors"

var (
	// ErrInvalidCorrelationID indicates a correlation ID that violates MS-RDPBCGR 2.2.1.1.2.
	ErrInvalidCorrelationID = errors.New("invalid correlationId")
	// ErrShortData indicates the structure ended before all mandatory fields were read.
	ErrShortData = errors.New("short data")
	// ErrTrailingData indicates bytes left over after a structure was fully decoded.
	ErrTrailingData = errors.New("trailing data")
	// ErrInvalidLength indicates a declared length that disagrees with the data present.
	ErrInvalidLength = errors.New("invalid length")
	// ErrUnexpectedType indicates a type field that does not match the structure being decoded.
	ErrUnexpectedType = errors.New("unexpected type")
	// ErrFieldTooLong indicates a value that does not fit its fixed-size wire field.
	ErrFieldTooLong = errors.New("field too long")
)
