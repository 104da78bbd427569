package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "validation", err: Validation("bad input"), want: KindValidation},
		{name: "conflict", err: Conflict("duplicate"), want: KindConflict},
		{name: "unauthorized", err: Unauthorized("no scope"), want: KindUnauthorized},
		{name: "not found", err: NotFound("missing"), want: KindNotFound},
		{name: "invalid state", err: InvalidState("closed"), want: KindInvalidState},
		{name: "already decided", err: AlreadyDecided("done"), want: KindAlreadyDecided},
		{name: "transient", err: Transient("deadlock"), want: KindTransient},
		{name: "plain error is internal", err: errors.New("boom"), want: KindInternal},
		{name: "nil is internal", err: nil, want: KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", Conflict("pending update exists"))
	if !IsKind(err, KindConflict) {
		t.Errorf("wrapped conflict not detected")
	}
	if KindOf(err) != KindConflict {
		t.Errorf("KindOf on wrapped = %v", KindOf(err))
	}
	if IsKind(err, KindValidation) {
		t.Errorf("wrong kind matched")
	}
}

func TestErrorsIsMatchesOnKind(t *testing.T) {
	err := AlreadyDecided("update %s settled", "u-1")
	if !errors.Is(err, &Error{Kind: KindAlreadyDecided}) {
		t.Errorf("bare kind marker did not match")
	}
	if errors.Is(err, &Error{Kind: KindConflict}) {
		t.Errorf("different kind matched")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Validation("percent %d out of range", 120)
	want := "validation: percent 120 out of range"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
