// Package wav writes 16-bit PCM WAV files. The say command uses it to
// capture synthesized speech for listening outside a room.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const headerSize = 44

// Writer streams PCM samples into a WAV container. The header is written
// up front with zero sizes and patched on Close.
type Writer struct {
	w          io.WriteSeeker
	file       *os.File
	sampleRate int
	channels   int
	samples    int
}

// Create opens path and writes the provisional header.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	w, err := NewWriter(f, sampleRate, channels)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter wraps an existing seekable sink.
func NewWriter(w io.WriteSeeker, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format: rate %d, channels %d", sampleRate, channels)
	}
	wr := &Writer{w: w, sampleRate: sampleRate, channels: channels}
	if err := wr.writeHeader(0); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return wr, nil
}

// WriteSamples appends interleaved 16-bit samples.
func (w *Writer) WriteSamples(samples []int16) error {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	w.samples += len(samples)
	return nil
}

// Close patches the header sizes and closes the file when Create opened
// one.
func (w *Writer) Close() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	if err := w.writeHeader(2 * w.samples); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	if w.file != nil {
		f := w.file
		w.file = nil
		return f.Close()
	}
	return nil
}

func (w *Writer) writeHeader(dataSize int) error {
	var hdr [headerSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(dataSize+headerSize-8))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(w.sampleRate))
	byteRate := w.sampleRate * w.channels * 2
	binary.LittleEndian.PutUint32(hdr[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataSize))
	_, err := w.w.Write(hdr[:])
	return err
}
