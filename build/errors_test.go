package build

import (
	"errors"
	"testing"
)

// TestComposeErrors tests that ComposeErrors only returns non-nil when there
// are non-nil elements in errs, and that the returned error's string is the
// concatenation of the non-nil elements, in order, separated by "; ".
func TestComposeErrors(t *testing.T) {
	tests := []struct {
		errs       []error
		wantNil    bool
		errStrWant string
	}{
		{wantNil: true},
		{errs: []error{}, wantNil: true},
		{errs: []error{nil}, wantNil: true},
		{errs: []error{nil, nil, nil}, wantNil: true},
		{errs: []error{errors.New("foo")}, errStrWant: "foo"},
		{errs: []error{errors.New("foo"), errors.New("bar")}, errStrWant: "foo; bar"},
		{
			errs:       []error{nil, errors.New("foo"), nil, errors.New("bar"), nil},
			errStrWant: "foo; bar",
		},
	}
	for _, tt := range tests {
		err := ComposeErrors(tt.errs...)
		if tt.wantNil && err != nil {
			t.Errorf("expected nil error, got %q", err)
		} else if !tt.wantNil && (err == nil || err.Error() != tt.errStrWant) {
			t.Errorf("expected %q, got %v", tt.errStrWant, err)
		}
	}
}

func TestExtendErr(t *testing.T) {
	if ExtendErr("prefix", nil) != nil {
		t.Error("expected nil when the input error is nil")
	}
	err := ExtendErr("couldn't do the thing", errors.New("disk full"))
	if err == nil || err.Error() != "couldn't do the thing: disk full" {
		t.Errorf("unexpected error string: %v", err)
	}
}
