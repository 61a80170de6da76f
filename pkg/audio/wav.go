package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAV container constants for the synthesis output format: RIFF WAVE,
// 1 channel, 16-bit signed PCM. The payload bytes are written exactly as
// received from the model's audio delta stream.
const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
)

// WriteWAV writes pcm (little-endian PCM16 mono) to path as a RIFF WAVE
// file at the given sample rate. The file is created or truncated.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	defer f.Close()

	if err := EncodeWAV(f, pcm, sampleRate); err != nil {
		return fmt.Errorf("audio: encode wav %q: %w", path, err)
	}
	return nil
}

// EncodeWAV writes a RIFF WAVE stream (mono, 16-bit) to w.
func EncodeWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("audio: pcm length %d is not sample-aligned", len(pcm))
	}

	var header [wavHeaderSize]byte
	byteRate := sampleRate * BytesPerSample

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], 1) // channels
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], BytesPerSample) // block align
	binary.LittleEndian.PutUint16(header[34:36], 16)             // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// ReadWAV reads a mono 16-bit RIFF WAVE file and returns its PCM payload
// and sample rate. Only the canonical 44-byte header layout produced by
// [WriteWAV] is supported.
func ReadWAV(path string) (pcm []byte, sampleRate int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read wav %q: %w", path, err)
	}
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("audio: wav %q: truncated header (%d bytes)", path, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: wav %q: not a RIFF WAVE file", path)
	}
	if binary.LittleEndian.Uint16(data[22:24]) != 1 {
		return nil, 0, fmt.Errorf("audio: wav %q: not mono", path)
	}
	sampleRate = int(binary.LittleEndian.Uint32(data[24:28]))
	size := int(binary.LittleEndian.Uint32(data[40:44]))
	if size > len(data)-wavHeaderSize {
		size = len(data) - wavHeaderSize
	}
	return data[wavHeaderSize : wavHeaderSize+size], sampleRate, nil
}
