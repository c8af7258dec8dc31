package checker

import (
	"strings"
	"testing"
)

func TestRunBuiltinIntegers(t *testing.T) {
	v, err := RunBuiltin(BuiltinIntegers, BuiltinOptions{}, strings.NewReader("1 2 3"), strings.NewReader("1 2 3"))
	if err != nil || v.Score != 100 || v.Failed {
		t.Fatalf("expected exact match to pass, got %+v, err=%v", v, err)
	}

	v, err = RunBuiltin(BuiltinIntegers, BuiltinOptions{}, strings.NewReader("1 2 4"), strings.NewReader("1 2 3"))
	if err != nil || v.Score != 0 {
		t.Fatalf("expected mismatch to score 0, got %+v, err=%v", v, err)
	}
}

func TestRunBuiltinFloatsWithinTolerance(t *testing.T) {
	v, err := RunBuiltin(BuiltinFloats, BuiltinOptions{Precision: 3}, strings.NewReader("1.0001"), strings.NewReader("1.0002"))
	if err != nil || v.Score != 100 {
		t.Fatalf("expected values within tolerance to pass, got %+v, err=%v", v, err)
	}

	v, err = RunBuiltin(BuiltinFloats, BuiltinOptions{Precision: 6}, strings.NewReader("1.5"), strings.NewReader("1.0"))
	if err != nil || v.Score != 0 {
		t.Fatalf("expected values outside tolerance to fail, got %+v, err=%v", v, err)
	}
}

func TestRunBuiltinLinesCaseInsensitive(t *testing.T) {
	v, err := RunBuiltin(BuiltinLines, BuiltinOptions{CaseSensitive: false}, strings.NewReader("Hello\nWorld\n"), strings.NewReader("hello\nworld\n"))
	if err != nil || v.Score != 100 {
		t.Fatalf("expected case-insensitive match to pass, got %+v, err=%v", v, err)
	}

	v, err = RunBuiltin(BuiltinLines, BuiltinOptions{CaseSensitive: true}, strings.NewReader("Hello\n"), strings.NewReader("hello\n"))
	if err != nil || v.Score != 0 {
		t.Fatalf("expected case-sensitive mismatch to fail, got %+v, err=%v", v, err)
	}
}

func TestRunBuiltinBinary(t *testing.T) {
	v, err := RunBuiltin(BuiltinBinary, BuiltinOptions{}, strings.NewReader("abc"), strings.NewReader("abc"))
	if err != nil || v.Score != 100 {
		t.Fatalf("expected identical byte streams to pass, got %+v, err=%v", v, err)
	}

	v, err = RunBuiltin(BuiltinBinary, BuiltinOptions{}, strings.NewReader("abc"), strings.NewReader("abd"))
	if err != nil || v.Score != 0 {
		t.Fatalf("expected differing byte streams to fail, got %+v, err=%v", v, err)
	}
}

func TestRunBuiltinUnknownKind(t *testing.T) {
	_, err := RunBuiltin(BuiltinKind("nonsense"), BuiltinOptions{}, strings.NewReader(""), strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for unknown checker kind")
	}
}
