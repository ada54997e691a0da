package audio

import (
	"sync"
	"testing"
)

// recordingSink captures pushed chunks for assertions.
type recordingSink struct {
	mu       sync.Mutex
	attached bool
	closed   bool
	chunks   [][]byte
}

func (r *recordingSink) Attach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = true
	return nil
}

func (r *recordingSink) PushAudioChunk(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, pcm)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestPlayerPCMPassthrough(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPlayer(sink, "pcm")
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	if !sink.attached {
		t.Fatalf("player must attach the sink on construction")
	}

	chunk := []byte{1, 2, 3, 4}
	p.Push(chunk)
	if len(sink.chunks) != 1 || string(sink.chunks[0]) != string(chunk) {
		t.Fatalf("pcm chunk should pass through untouched: %v", sink.chunks)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Fatalf("player close must release the sink")
	}
}

func TestPlayerRejectsUnknownEncoding(t *testing.T) {
	if _, err := NewPlayer(&recordingSink{}, "mp3"); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

func TestNoopSink(t *testing.T) {
	var s NoopSink
	if err := s.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.PushAudioChunk([]byte{1}); err != nil {
		t.Fatalf("PushAudioChunk: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
