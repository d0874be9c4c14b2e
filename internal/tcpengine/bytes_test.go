package tcpengine

import (
	"bytes"
	"testing"
)

func TestBytesSplit(t *testing.T) {
	b := NewBytes([]byte("hello world"))
	head, tail := b.Split(5)
	if !bytes.Equal(head.Bytes(), []byte("hello")) {
		t.Errorf("head = %q, want %q", head.Bytes(), "hello")
	}
	if !bytes.Equal(tail.Bytes(), []byte(" world")) {
		t.Errorf("tail = %q, want %q", tail.Bytes(), " world")
	}
}

func TestBytesSplitPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-range split")
		}
	}()
	NewBytes([]byte("abc")).Split(10)
}

func TestBytesConcat(t *testing.T) {
	a := NewBytes([]byte("foo"))
	b := NewBytes([]byte("bar"))
	got := a.Concat(b)
	if !bytes.Equal(got.Bytes(), []byte("foobar")) {
		t.Errorf("Concat = %q, want %q", got.Bytes(), "foobar")
	}
}

func TestBytesCloneIsIndependent(t *testing.T) {
	orig := []byte("abc")
	b := NewBytes(orig)
	clone := b.Clone()
	orig[0] = 'z'
	if clone.Bytes()[0] != 'a' {
		t.Error("Clone shares backing storage with the original slice")
	}
}
