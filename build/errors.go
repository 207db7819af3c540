package build

import (
	"errors"
	"strings"
)

// ComposeErrors will take multiple errors and compose them into a single
// error with a longer message. Any nil errors used as inputs will be
// stripped out, and if there are zero non-nil inputs then 'nil' will be
// returned.
//
// The original types of the errors are not preserved.
func ComposeErrors(errs ...error) error {
	var errStrings []string
	for _, err := range errs {
		if err != nil {
			errStrings = append(errStrings, err.Error())
		}
	}
	if len(errStrings) <= 0 {
		return nil
	}
	return errors.New(strings.Join(errStrings, "; "))
}

// ExtendErr will return a new error which extends the input error with a
// string. If the input error is nil, then 'nil' will be returned, discarding
// the input string.
func ExtendErr(s string, err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s + ": " + err.Error())
}
