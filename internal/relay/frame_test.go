package relay

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteLineReadLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLine(&buf, "hello"); err != nil {
		t.Fatalf("WriteLine returned error: %s", err)
	}
	if got, want := buf.String(), "hello\n"; got != want {
		t.Fatalf("wrote %q, want %q", got, want)
	}
	line, err := ReadLine(&buf)
	if err != nil {
		t.Fatalf("ReadLine returned error: %s", err)
	}
	if line != "hello" {
		t.Fatalf("ReadLine returned %q, want %q", line, "hello")
	}
}

func TestWriteLinesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLines(&buf, "CONNECT", "10.0.0.7:5432", "4c2a1b6e-0000-0000-0000-000000000000"); err != nil {
		t.Fatalf("WriteLines returned error: %s", err)
	}
	for _, want := range []string{"CONNECT", "10.0.0.7:5432", "4c2a1b6e-0000-0000-0000-000000000000"} {
		line, err := ReadLine(&buf)
		if err != nil {
			t.Fatalf("ReadLine returned error: %s", err)
		}
		if line != want {
			t.Fatalf("ReadLine returned %q, want %q", line, want)
		}
	}
}

func TestReadLineTooLong(t *testing.T) {
	r := strings.NewReader(strings.Repeat("a", MaxLineBytes+1) + "\n")
	_, err := ReadLine(r)
	if err != ErrLineTooLong {
		t.Fatalf("ReadLine returned %v, want ErrLineTooLong", err)
	}
}

func TestReadLineDoesNotOverread(t *testing.T) {
	// A stream with a framed line followed by raw tunnel bytes; ReadLine
	// must stop exactly at the terminator so the remaining bytes are
	// untouched for a subsequent raw io.Copy, matching spec §4.A.
	r := strings.NewReader("OK\nRAWPAYLOAD")
	line, err := ReadLine(r)
	if err != nil {
		t.Fatalf("ReadLine returned error: %s", err)
	}
	if line != "OK" {
		t.Fatalf("ReadLine returned %q, want %q", line, "OK")
	}
	rest := make([]byte, len("RAWPAYLOAD"))
	if _, err := r.Read(rest); err != nil {
		t.Fatalf("reading remainder returned error: %s", err)
	}
	if string(rest) != "RAWPAYLOAD" {
		t.Fatalf("remainder was %q, want %q (ReadLine over-read into the tunnel payload)", rest, "RAWPAYLOAD")
	}
}

func TestReadLineEOF(t *testing.T) {
	r := strings.NewReader("")
	if _, err := ReadLine(r); err == nil {
		t.Fatalf("ReadLine on empty reader should return an error")
	}
}
