package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{in: "Alice", want: "alice"},
		{in: "  BoB\t", want: "bob"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := NormalizeUsername(tc.in); got != tc.want {
			t.Fatalf("NormalizeUsername(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "ok", in: "alice"},
		{name: "padded ok", in: "  alice  "},
		{name: "empty", in: "   ", wantErr: true},
		{name: "inner space", in: "al ice", wantErr: true},
		{name: "max len", in: strings.Repeat("a", MaxUsernameLen)},
		{name: "too long", in: strings.Repeat("a", MaxUsernameLen+1), wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateUsername(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if err != nil && !IsInvalidInput(err) {
			t.Fatalf("%s: err=%v should be invalid input", tc.name, err)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	nf := NotFoundError{Op: "identity.GetByID", Key: "7"}
	if !IsNotFound(nf) || IsConflict(nf) {
		t.Fatalf("NotFoundError classification wrong")
	}
	if got := nf.Error(); got != "identity.GetByID: not_found: 7" {
		t.Fatalf("Error()=%q", got)
	}

	ce := ConflictError{Op: "identity.CreateUser", Field: "username"}
	if !IsConflict(ce) || !errors.Is(ce, ErrConflict) || IsNotFound(ce) {
		t.Fatalf("ConflictError classification wrong")
	}

	oe := OpError{Op: "identity.ValidateUsername", Kind: ErrInvalidInput}
	if !IsInvalidInput(oe) {
		t.Fatalf("OpError should unwrap to its kind")
	}
	if got := oe.Error(); got != "identity.ValidateUsername: invalid_input" {
		t.Fatalf("Error()=%q", got)
	}
}
