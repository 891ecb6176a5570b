package audio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"voicecall-backend/pkg/constants"
)

// Device opens the local capture and render streams for one call. Closing
// the capture stream must unblock a pending Read.
type Device interface {
	Capture() (io.ReadCloser, error)
	Playback() (io.WriteCloser, error)
}

// PulseDevice records with parec and plays with pacat using signed 16-bit
// little-endian mono PCM
type PulseDevice struct {
	SampleRate int
	LatencyMs  int
}

// NewPulseDevice returns a PulseAudio device at 16 kHz with 20 ms buffers
func NewPulseDevice() *PulseDevice {
	return &PulseDevice{SampleRate: constants.AudioSampleRate, LatencyMs: 20}
}

func (d *PulseDevice) args() []string {
	return []string{
		"--format=s16le",
		"--rate=" + strconv.Itoa(d.SampleRate),
		"--channels=1",
		"--latency-msec=" + strconv.Itoa(d.LatencyMs),
	}
}

// Capture starts parec and streams its stdout
func (d *PulseDevice) Capture() (io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture pipe: %w", err)
	}

	cmd := exec.Command("parec", d.args()...)
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start parec: %w", err)
	}
	pw.Close()

	return &processStream{cmd: cmd, file: pr}, nil
}

// Playback starts pacat and feeds its stdin
func (d *PulseDevice) Playback() (io.WriteCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create playback pipe: %w", err)
	}

	cmd := exec.Command("pacat", d.args()...)
	cmd.Stdin = pr
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start pacat: %w", err)
	}
	pr.Close()

	return &processStream{cmd: cmd, file: pw}, nil
}

// processStream is our end of a pipe to a helper process
type processStream struct {
	cmd  *exec.Cmd
	file *os.File
	once sync.Once
}

func (s *processStream) Read(p []byte) (int, error)  { return s.file.Read(p) }
func (s *processStream) Write(p []byte) (int, error) { return s.file.Write(p) }

// Close closes the pipe first so a blocked Read returns, then reaps the process
func (s *processStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.file.Close()
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	})
	return err
}

// PipeDevice serves caller-supplied streams, for tests and file playback.
// The streams are handed out as is, so a PipeDevice serves a single call.
type PipeDevice struct {
	source io.ReadCloser
	sink   io.WriteCloser
}

// NewPipeDevice wraps source and sink
func NewPipeDevice(source io.ReadCloser, sink io.WriteCloser) *PipeDevice {
	return &PipeDevice{source: source, sink: sink}
}

func (d *PipeDevice) Capture() (io.ReadCloser, error)  { return d.source, nil }
func (d *PipeDevice) Playback() (io.WriteCloser, error) { return d.sink, nil }

// NullDevice captures nothing and discards playback. Capture
// blocks until closed, so the transport sends no datagrams.
type NullDevice struct{}

func (NullDevice) Capture() (io.ReadCloser, error) {
	pr, _ := io.Pipe()
	return pr, nil
}

func (NullDevice) Playback() (io.WriteCloser, error) {
	return discardCloser{}, nil
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
