package tcp

import "testing"

func TestRingWriteReadWraps(t *testing.T) {
	r := newRing(8)
	if n := r.Write([]byte("abcdef")); n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}
	out := make([]byte, 4)
	if n := r.Read(out); n != 4 || string(out) != "abcd" {
		t.Fatalf("Read = %q (%d), want abcd", out[:n], n)
	}
	if n := r.Write([]byte("ghij")); n != 4 {
		t.Fatalf("Write returned %d, want 4 (wrapping)", n)
	}
	rest := make([]byte, 6)
	if n := r.Read(rest); n != 6 || string(rest) != "efghij" {
		t.Fatalf("Read = %q (%d), want efghij", rest[:n], n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRingWriteTruncatesWhenFull(t *testing.T) {
	r := newRing(4)
	if n := r.Write([]byte("abcdef")); n != 4 {
		t.Fatalf("Write returned %d, want 4", n)
	}
	if r.Free() != 0 {
		t.Errorf("Free() = %d, want 0", r.Free())
	}
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	r := newRing(8)
	r.Write([]byte("hello"))
	out := make([]byte, 5)
	if n := r.Peek(out, 0); n != 5 || string(out) != "hello" {
		t.Fatalf("Peek = %q (%d)", out[:n], n)
	}
	if r.Len() != 5 {
		t.Errorf("Len() after Peek = %d, want 5 (unchanged)", r.Len())
	}
	out2 := make([]byte, 2)
	if n := r.Peek(out2, 3); n != 2 || string(out2) != "lo" {
		t.Fatalf("offset Peek = %q (%d), want lo", out2[:n], n)
	}
}
