package value

import "testing"

func TestPrimitiveEquality(t *testing.T) {
	if !Int(42).Equal(Int(42)) {
		t.Fatal("expected equal ints")
	}
	if Int(42).Equal(Float(42)) {
		t.Fatal("int and float must not compare equal even with same magnitude")
	}
	if !Float(1.5).Equal(Float(1.5)) {
		t.Fatal("expected equal floats")
	}
	if !Null.Equal(Null) {
		t.Fatal("null must equal null")
	}
	if Bool(true).Equal(Bool(false)) {
		t.Fatal("true must not equal false")
	}
}

func TestStringEquality(t *testing.T) {
	a := String(NewString("hi"))
	b := String(NewString("hi"))
	if !a.Equal(b) {
		t.Fatal("equal-content strings must compare equal (value-based)")
	}
	if a.Str() != "hi" {
		t.Fatalf("unexpected Str(): %q", a.Str())
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{Bool(false), false},
		{Bool(true), true},
		{Int(0), true},
		{String(NewString("")), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestAsFloatPromotion(t *testing.T) {
	if Int(3).AsFloat() != 3.0 {
		t.Fatal("int promotion to float failed")
	}
	if Float(3.5).AsFloat() != 3.5 {
		t.Fatal("float passthrough failed")
	}
}

func TestTypeOf(t *testing.T) {
	if Int(1).TypeOf() != "integer" {
		t.Fatalf("unexpected TypeOf: %s", Int(1).TypeOf())
	}
}
