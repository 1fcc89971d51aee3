package wasmrun

import (
	"bytes"
	"io"
	"testing"
)

func TestRequestStdinRoundTrip(t *testing.T) {
	chunks := make(chan chunk, 4)
	chunks <- chunk{data: []byte("hello ")}
	chunks <- chunk{data: []byte("world")}
	close(chunks)

	s := newRequestStdin(chunks)
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestRequestStdinPropagatesTransportError(t *testing.T) {
	boom := io.ErrUnexpectedEOF
	chunks := make(chan chunk, 2)
	chunks <- chunk{data: []byte("partial")}
	chunks <- chunk{err: boom}
	close(chunks)

	s := newRequestStdin(chunks)
	buf := make([]byte, 7)
	n, err := s.Read(buf)
	if err != nil || n != 7 {
		t.Fatalf("first Read: n=%d err=%v", n, err)
	}

	_, err = s.Read(buf)
	if err != boom {
		t.Fatalf("Read after error chunk: got %v, want %v", err, boom)
	}
}

func TestCaptureStdoutTakeBufferRoundTrip(t *testing.T) {
	s := newCaptureStdout()
	want := []byte("arbitrary bytes\x00\x01\x02")
	if _, err := s.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := s.TakeBuffer()
	if !bytes.Equal(got, want) {
		t.Fatalf("TakeBuffer() = %q, want %q", got, want)
	}

	if again := s.TakeBuffer(); len(again) != 0 {
		t.Fatalf("TakeBuffer() after drain = %q, want empty", again)
	}
}

func TestPrefixStderrFlushesAtThreshold(t *testing.T) {
	s := newPrefixStderr("test-tag", true, 8)
	if _, err := s.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Flushed synchronously once the threshold is reached; buffer should be
	// reset.
	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("buf.Len() after threshold flush = %d, want 0", n)
	}
}

func TestPrefixStderrFlushesOnClose(t *testing.T) {
	s := newPrefixStderr("test-tag", false, 65536)
	if _, err := s.Write([]byte("residual")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.mu.Lock()
	n := s.buf.Len()
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("buf.Len() after Close = %d, want 0", n)
	}
}
