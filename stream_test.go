package tabular

import (
	"bytes"
	"io"
	"testing"
)

func TestCSVSplicerDropsRepeatedHeader(t *testing.T) {
	var buf bytes.Buffer
	s := &csvSplicer{w: &buf}
	if err := s.writeBatch(io.NopCloser(bytes.NewBufferString("a,b\n1,2\n3,4\n"))); err != nil {
		t.Fatal(err)
	}
	if err := s.writeBatch(io.NopCloser(bytes.NewBufferString("a,b\n5,6\n"))); err != nil {
		t.Fatal(err)
	}
	if err := s.finish(); err != nil {
		t.Fatal(err)
	}
	want := "a,b\n1,2\n3,4\n5,6\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestJSONSplicerStitchesBatches(t *testing.T) {
	var buf bytes.Buffer
	s := &jsonSplicer{w: &buf}
	if err := s.writeBatch(io.NopCloser(bytes.NewBufferString(`[{"a":1},{"a":2}]`))); err != nil {
		t.Fatal(err)
	}
	if err := s.writeBatch(io.NopCloser(bytes.NewBufferString(`[{"a":3}]`))); err != nil {
		t.Fatal(err)
	}
	if err := s.finish(); err != nil {
		t.Fatal(err)
	}
	want := `[{"a":1},{"a":2},{"a":3}]`
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestJSONSplicerEmptyResultYieldsEmptyArray(t *testing.T) {
	var buf bytes.Buffer
	s := &jsonSplicer{w: &buf}
	if err := s.writeBatch(io.NopCloser(bytes.NewBufferString(`[]`))); err != nil {
		t.Fatal(err)
	}
	if err := s.finish(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[]" {
		t.Errorf("got %q, want %q", buf.String(), "[]")
	}
}

func TestJSONSplicerNoBatchesYieldsEmptyArray(t *testing.T) {
	var buf bytes.Buffer
	s := &jsonSplicer{w: &buf}
	if err := s.finish(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[]" {
		t.Errorf("got %q, want %q", buf.String(), "[]")
	}
}
