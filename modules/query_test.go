package modules

import "testing"

func TestQueryErrorHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *QueryError
		want int
	}{
		{NewNotFoundError(), 404},
		{NewNoAllocationError(), 429},
		{NewBadRequestError("missing first_block"), 400},
		{NewServiceOverloadedError(), 503},
		{NewOtherError(nil), 500},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("%v.HTTPStatus() = %d, want %d", tc.err.Kind, got, tc.want)
		}
	}
}

func TestNewOtherErrorMessage(t *testing.T) {
	withCause := NewOtherError(errString("disk full"))
	if withCause.Error() != "internal error: disk full" {
		t.Errorf("unexpected message: %q", withCause.Error())
	}
	withoutCause := NewOtherError(nil)
	if withoutCause.Error() != "internal error" {
		t.Errorf("unexpected message: %q", withoutCause.Error())
	}
}

type errString string

func (e errString) Error() string { return string(e) }
