package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var errSourceClosed = errors.New("relay: source closed")

// WAVSource plays a 16-bit PCM WAV file as if it were a microphone.
type WAVSource struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *audio.IntBuffer
	loop     bool
	realtime bool

	sampleRate int
	channels   int

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// WAVOptions controls playback of a WAVSource.
type WAVOptions struct {
	// Loop rewinds to the start at end of file.
	Loop bool
	// Realtime paces frames at the file's sample rate.
	Realtime bool
}

// OpenWAV opens path and positions the decoder at the PCM data.
func OpenWAV(path string, opts WAVOptions) (*WAVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	s := &WAVSource{file: file, loop: opts.Loop, realtime: opts.Realtime, closed: make(chan struct{})}
	if err := s.rewind(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *WAVSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wav: %w", err)
	}
	dec := wav.NewDecoder(s.file)
	if !dec.IsValidFile() {
		return errors.New("invalid wav file")
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		return fmt.Errorf("seek pcm data: %w", err)
	}
	s.dec = dec
	s.sampleRate = int(dec.SampleRate)
	s.channels = int(dec.NumChans)
	return nil
}

// SampleRate reports the file's sample rate.
func (s *WAVSource) SampleRate() int { return s.sampleRate }

// Channels reports the file's channel count.
func (s *WAVSource) Channels() int { return s.channels }

func (s *WAVSource) ReadFrame(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errSourceClosed
	default:
	}
	samples := len(p) / 2
	if s.buf == nil || len(s.buf.Data) != samples {
		s.buf = &audio.IntBuffer{Data: make([]int, samples)}
	}

	n, err := s.decode()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if !s.loop {
			return 0, io.EOF
		}
		if err := s.rewind(); err != nil {
			return 0, err
		}
		if n, err = s.decode(); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(s.buf.Data[i])))
	}

	if s.realtime && s.sampleRate > 0 && s.channels > 0 {
		frameDur := time.Duration(n/s.channels) * time.Second / time.Duration(s.sampleRate)
		timer := time.NewTimer(frameDur)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return n * 2, errSourceClosed
		}
	}
	return n * 2, nil
}

func (s *WAVSource) decode() (int, error) {
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("decode wav: %w", err)
	}
	return n, nil
}

func (s *WAVSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// ReaderSource reads raw PCM16 from r, e.g. stdin fed by arecord.
type ReaderSource struct {
	r         io.Reader
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, closed: make(chan struct{})}
}

func (s *ReaderSource) ReadFrame(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errSourceClosed
	default:
	}
	n, err := io.ReadFull(s.r, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// keep whole samples only
		return n &^ 1, io.EOF
	}
	return n, err
}

// Close closes the underlying reader when it is an io.Closer.
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if c, ok := s.r.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}
