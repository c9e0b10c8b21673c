// Package audio implements the malgo-backed AudioCapture and AudioPlayback
// devices, plus WAV container helpers used for debugging and for
// non-realtime batch STT providers that require whole-file input.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewWavBuffer wraps raw 16-bit linear PCM in a minimal RIFF/WAVE container.
func NewWavBuffer(pcm []byte, sampleRate, channels int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	blockAlign := uint16(channels * 2)
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate)*uint32(blockAlign))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// ParseWavPCM extracts the raw PCM payload and sample rate from a
// well-formed RIFF/WAVE buffer produced by NewWavBuffer (or any standard
// 16-bit PCM WAV file with no extra chunks before "data").
func ParseWavPCM(wav []byte) (pcm []byte, sampleRate int, channels int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE buffer")
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))

	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		start := offset + 8
		if id == "data" {
			end := start + size
			if end > len(wav) {
				end = len(wav)
			}
			return wav[start:end], sampleRate, channels, nil
		}
		offset = start + size
		if size%2 == 1 {
			offset++
		}
	}
	return nil, 0, 0, fmt.Errorf("audio: no data chunk found")
}
