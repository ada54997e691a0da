package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sunny-voice-lab/internal/logging"
)

// Fixed capture encoding: mono, 16 kHz, 16-bit little-endian signed PCM.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
)

// ErrCaptureUnavailable is returned when the capture source cannot be
// acquired (missing device, missing file, wrong format). Start fails with
// it and leaves no partial state behind.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Device acquires an audio input and delivers fixed-size PCM frames to the
// callback at the capture cadence. Stop releases everything synchronously
// and is idempotent; calling Stop on a device that never started is safe.
type Device interface {
	Start(onFrame func(pcm []byte)) error
	Stop()
}

// NewDevice builds a Device from the configured source: "tone" for the
// synthetic generator, anything else is treated as a WAV or raw PCM path.
func NewDevice(source string, frameSamples int) Device {
	if source == "tone" {
		return &ToneSource{FrameSamples: frameSamples}
	}
	return &FileSource{Path: source, FrameSamples: frameSamples}
}

// FileSource replays a 16 kHz mono 16-bit WAV (or headerless raw PCM) file
// as if it were a live microphone, one frame per cadence tick. When the
// file runs out the source goes quiet; it does not loop.
type FileSource struct {
	Path         string
	FrameSamples int

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (f *FileSource) Start(onFrame func(pcm []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("%w: already started", ErrCaptureUnavailable)
	}
	if f.FrameSamples <= 0 {
		return fmt.Errorf("%w: frame size %d", ErrCaptureUnavailable, f.FrameSamples)
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	pcm := data
	if strings.EqualFold(filepath.Ext(f.Path), ".wav") {
		parsed, rate, ch, bits, perr := ParseWAV(data)
		if perr != nil {
			return fmt.Errorf("%w: %v", ErrCaptureUnavailable, perr)
		}
		if rate != SampleRate || ch != Channels || bits != 16 {
			return fmt.Errorf("%w: need %d Hz mono 16-bit, file is %d Hz %dch %d-bit",
				ErrCaptureUnavailable, SampleRate, rate, ch, bits)
		}
		pcm = parsed
	}
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("%w: odd pcm byte count %d", ErrCaptureUnavailable, len(pcm))
	}

	f.started = true
	f.done = make(chan struct{})
	f.wg.Add(1)
	go f.pump(pcm, onFrame)
	return nil
}

func (f *FileSource) pump(pcm []byte, onFrame func(pcm []byte)) {
	defer f.wg.Done()
	frameBytes := f.FrameSamples * BytesPerSample
	cadence := time.Duration(f.FrameSamples) * time.Second / SampleRate
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			if offset >= len(pcm) {
				logging.Debugw("capture: file source exhausted", "path", f.Path)
				return
			}
			end := offset + frameBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			frame := make([]byte, end-offset)
			copy(frame, pcm[offset:end])
			offset = end
			onFrame(frame)
		}
	}
}

func (f *FileSource) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	close(f.done)
	f.mu.Unlock()
	f.wg.Wait()
}

// ToneSource synthesizes a quiet sine tone. It exists so the pipeline can
// run end to end without audio hardware (dev loops, integration tests).
type ToneSource struct {
	FrameSamples int
	Freq         float64 // Hz; defaults to 440

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *ToneSource) Start(onFrame func(pcm []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: already started", ErrCaptureUnavailable)
	}
	if s.FrameSamples <= 0 {
		return fmt.Errorf("%w: frame size %d", ErrCaptureUnavailable, s.FrameSamples)
	}
	freq := s.Freq
	if freq == 0 {
		freq = 440
	}

	s.started = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cadence := time.Duration(s.FrameSamples) * time.Second / SampleRate
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		phase := 0.0
		step := 2 * math.Pi * freq / SampleRate
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				frame := make([]byte, s.FrameSamples*BytesPerSample)
				for i := 0; i < s.FrameSamples; i++ {
					v := int16(3000 * math.Sin(phase))
					frame[2*i] = byte(v)
					frame[2*i+1] = byte(v >> 8)
					phase += step
				}
				onFrame(frame)
			}
		}
	}()
	return nil
}

func (s *ToneSource) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}
