package utils

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var ErrNotImplemented = errors.New("not implemented")
var ErrNilParameter = errors.New("nil parameter")
var ErrNilOrWrongParameter = errors.New("nil or wrong parameter")
var ErrWrongParameter = errors.New("wrong parameter")
var ErrShortRead = errors.New("short read")
var ErrInvalidData = errors.New("invalid data")

// NumErr carries a small integer alongside a message prefix.
type NumErr struct {
	N      int
	Prefix string
}

func (ne NumErr) Error() string {
	return ne.Prefix + strconv.Itoa(ne.N)
}

// ErrFirstBuffer wraps an error together with whatever bytes had already
// been buffered before the error occurred.
type ErrFirstBuffer struct {
	Err   error
	First *bytes.Buffer
}

func (ef ErrFirstBuffer) Unwarp() error {
	return ef.Err
}

func (ef ErrFirstBuffer) Error() string {
	return ef.Err.Error()
}

// ErrInErr wraps one error inside another, with optional attached data. Used
// throughout the stack so a layer can add context to an underlying transport
// or protocol error without losing the original, via Unwarp/Is.
type ErrInErr struct {
	ErrDesc   string
	ErrDetail error
	Data      any
}

func (e ErrInErr) Error() string {
	return e.String()
}

func (e ErrInErr) Unwarp() error {
	return e.ErrDetail
}

func (e ErrInErr) Is(err error) bool {
	return e.ErrDetail == err
}

func (e ErrInErr) String() string {
	if e.Data != nil {
		if e.ErrDetail != nil {
			return fmt.Sprintf("%s : %s, Data: %v", e.ErrDesc, e.ErrDetail.Error(), e.Data)
		}
		return fmt.Sprintf("%s , Data: %v", e.ErrDesc, e.Data)
	}
	if e.ErrDetail != nil {
		return fmt.Sprintf("%s : %s", e.ErrDesc, e.ErrDetail.Error())
	}
	return e.ErrDesc
}
