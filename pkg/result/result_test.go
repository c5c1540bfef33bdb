package result

import (
	"errors"
	"testing"
)

func TestOk(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("expected Ok result")
	}
	v, ok := r.Value()
	if !ok || v != 42 {
		t.Errorf("Value() = (%v, %v), want (42, true)", v, ok)
	}
	if r.Error() != nil {
		t.Errorf("Error() = %v, want nil", r.Error())
	}
}

func TestErr(t *testing.T) {
	cause := errors.New("boom")
	r := Err[int](cause)
	if r.IsOk() || !r.IsErr() {
		t.Fatal("expected Err result")
	}
	if r.Error() != cause {
		t.Errorf("Error() = %v, want %v", r.Error(), cause)
	}
	if _, ok := r.Value(); ok {
		t.Error("Value() second return should be false on Err")
	}
}

func TestErrNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when constructing Err with nil error")
		}
	}()
	Err[int](nil)
}

func TestUnwrapPanicsOnErr(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on Unwrap of Err result")
		}
	}()
	Err[int](errors.New("boom")).Unwrap()
}

func TestUnwrapOr(t *testing.T) {
	if Ok(5).UnwrapOr(9) != 5 {
		t.Error("UnwrapOr should return held value on Ok")
	}
	if Err[int](errors.New("x")).UnwrapOr(9) != 9 {
		t.Error("UnwrapOr should return default on Err")
	}
}

func TestMap(t *testing.T) {
	r := Map(Ok(3), func(v int) string { return "n=3" })
	if v, _ := r.Value(); v != "n=3" {
		t.Errorf("Map result = %q", v)
	}

	cause := errors.New("boom")
	errResult := Map(Err[int](cause), func(v int) string { return "unreachable" })
	if errResult.Error() != cause {
		t.Error("Map should pass through errors unchanged")
	}
}
