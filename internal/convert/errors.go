package convert

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Code classifies a conversion failure.
type Code string

const (
	CodeInvalidContainer  Code = "InvalidContainer"
	CodeUnsupportedSchema Code = "UnsupportedSchema"
	CodeFileTooLarge      Code = "FileTooLarge"
	CodeEmptyGeometry     Code = "EmptyGeometry"
	CodeUnknown           Code = "Unknown"
)

var messages = map[Code]string{
	CodeInvalidContainer:  "The uploaded file is not a readable USDZ package.",
	CodeUnsupportedSchema: "The scan uses a scene format this service cannot convert yet.",
	CodeFileTooLarge:      "The scan file is too large to convert.",
	CodeEmptyGeometry:     "The scan does not contain any visible geometry.",
	CodeUnknown:           "The scan could not be converted.",
}

// Error is a coded conversion failure. Message is safe to show to end
// users; Detail carries the internal cause for logs.
type Error struct {
	Code    Code
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: messages[code],
		Detail:  fmt.Sprintf(format, args...),
	}
}

func tooLarge(size, limit int64) *Error {
	return &Error{
		Code: CodeFileTooLarge,
		Message: fmt.Sprintf("The scan file is too large to convert: its size is %s and the limit is %s.",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit))),
		Detail: fmt.Sprintf("input size %d exceeds limit %d", size, limit),
	}
}

// ExceedsLimit reports an input refused before its size was known, such as
// a stream cut off at the limit.
func ExceedsLimit(limit int64) *Error {
	return &Error{
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("The scan file is too large to convert: the size limit is %s.", humanize.Bytes(uint64(limit))),
		Detail:  fmt.Sprintf("input exceeds limit %d", limit),
	}
}
