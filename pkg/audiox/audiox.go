// Package audiox implements the audio preprocessing contract shared by the
// embedding worker and the feature-extraction pool: windowing, validation,
// and a minimal PCM WAV decoder. Container sniffing ahead of the decode
// uses dhowden/tag so a mistakenly enqueued compressed file fails with a
// named format instead of a generic RIFF parse error.
package audiox

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dhowden/tag"
)

// Clip is mono PCM audio at a fixed sample rate.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Window extracts the middle windowSeconds of a clip, per the "offset =
// (duration - window) / 2" contract. Clips shorter than or equal to the
// window are returned unchanged.
func Window(c Clip, windowSeconds float64) Clip {
	duration := c.Duration()
	if duration <= windowSeconds || c.SampleRate == 0 {
		return c
	}
	offsetSeconds := (duration - windowSeconds) / 2
	start := int(offsetSeconds * float64(c.SampleRate))
	length := int(windowSeconds * float64(c.SampleRate))
	if start < 0 {
		start = 0
	}
	end := start + length
	if end > len(c.Samples) {
		end = len(c.Samples)
	}
	if start > end {
		start = end
	}
	return Clip{Samples: c.Samples[start:end], SampleRate: c.SampleRate}
}

// ValidationError marks a recoverable (retry-consuming) audio-quality defect,
// as opposed to a permanent failure like an unsupported container.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validate rejects audio shorter than minSeconds, containing non-finite
// samples, or mostly silent.
func Validate(c Clip, minSeconds float64) error {
	duration := c.Duration()
	if duration < minSeconds {
		return &ValidationError{Reason: fmt.Sprintf("audio too short: %.1fs (minimum %.0fs)", duration, minSeconds)}
	}
	if len(c.Samples) == 0 {
		return &ValidationError{Reason: "audio contains no samples"}
	}
	silent := 0
	const silenceThreshold = 1e-4
	for _, s := range c.Samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return &ValidationError{Reason: "audio contains non-finite samples"}
		}
		if float32(math.Abs(float64(s))) < silenceThreshold {
			silent++
		}
	}
	if float64(silent)/float64(len(c.Samples)) > 0.8 {
		return &ValidationError{Reason: "audio is more than 80% silence"}
	}
	return nil
}

// LoadWAV decodes a canonical PCM WAV file into mono float32 samples. Stereo
// input is downmixed by averaging channels. Non-PCM/compressed containers
// are reported as a permanent, non-retryable error (the caller classifies it
// via domain.ClassifyError's "unsupported format" marker).
func LoadWAV(path string) (Clip, error) {
	return LoadWAVWindow(path, nil, 0)
}

// LoadWAVWindow decodes the middle windowSeconds of a PCM WAV file,
// skipping the frames outside the window instead of decoding them. The
// window offset is computed from durationHint when provided; otherwise the
// duration is probed from the file's data chunk. windowSeconds <= 0 decodes
// the whole file.
func LoadWAVWindow(path string, durationHint *float64, windowSeconds float64) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("op=audiox.LoadWAV: open: %w", err)
	}
	defer f.Close()

	if ft, ok := sniffTaggedContainer(f); ok {
		return Clip{}, fmt.Errorf("op=audiox.LoadWAV: unsupported format: detected %s container, only PCM WAV is supported", ft)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Clip{}, fmt.Errorf("op=audiox.LoadWAV: rewind after sniff: %w", err)
	}

	return decodeWAV(f, durationHint, windowSeconds)
}

// sniffTaggedContainer probes for a recognized tagged container (mp3, flac,
// m4a, ogg, ...) before the RIFF/WAV parser runs, so a mistakenly-enqueued
// compressed file fails fast with the actual container type instead of a
// generic "not a RIFF/WAVE file" error. A miss (no tag found) is the normal
// case for a real WAV file and isn't itself an error.
func sniffTaggedContainer(r io.ReadSeeker) (string, bool) {
	m, err := tag.ReadFrom(r)
	if err != nil {
		return "", false
	}
	return string(m.FileType()), true
}

type wavFormat struct {
	audioFormat   uint16
	numChannels   uint16
	sampleRate    uint32
	bitsPerSample uint16
}

func decodeWAV(r io.Reader, durationHint *float64, windowSeconds float64) (Clip, error) {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return Clip{}, fmt.Errorf("op=audiox.decodeWAV: read riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" || string(riffHeader[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("op=audiox.decodeWAV: unsupported format: not a RIFF/WAVE file")
	}

	var format wavFormat
	var haveFormat bool
	var pcm []byte
	var windowed bool
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if err == io.EOF {
				break
			}
			return Clip{}, fmt.Errorf("op=audiox.decodeWAV: read chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Clip{}, fmt.Errorf("op=audiox.decodeWAV: read fmt chunk: %w", err)
			}
			format.audioFormat = binary.LittleEndian.Uint16(buf[0:2])
			format.numChannels = binary.LittleEndian.Uint16(buf[2:4])
			format.sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			format.bitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			haveFormat = true
		case "data":
			if haveFormat && format.numChannels > 0 && format.sampleRate > 0 {
				var err error
				pcm, windowed, err = readDataWindow(r, format, chunkSize, durationHint, windowSeconds)
				if err != nil {
					return Clip{}, fmt.Errorf("op=audiox.decodeWAV: read data chunk: %w", err)
				}
			} else {
				// fmt chunk after data (non-canonical): read everything and
				// fall back to in-memory windowing below.
				pcm = make([]byte, chunkSize)
				if _, err := io.ReadFull(r, pcm); err != nil {
					return Clip{}, fmt.Errorf("op=audiox.decodeWAV: read data chunk: %w", err)
				}
			}
		default:
			if _, err := io.CopyN(io.Discard, r, int64(chunkSize)); err != nil {
				return Clip{}, fmt.Errorf("op=audiox.decodeWAV: skip chunk %s: %w", chunkID, err)
			}
		}
		if chunkSize%2 == 1 {
			var pad [1]byte
			_, _ = io.ReadFull(r, pad[:])
		}
	}

	if format.audioFormat != 1 || format.bitsPerSample != 16 {
		return Clip{}, fmt.Errorf("op=audiox.decodeWAV: unsupported format: only 16-bit PCM WAV is supported (format=%d bits=%d)", format.audioFormat, format.bitsPerSample)
	}
	if format.numChannels == 0 {
		return Clip{}, fmt.Errorf("op=audiox.decodeWAV: unsupported format: zero channels")
	}
	if pcm == nil {
		return Clip{}, fmt.Errorf("op=audiox.decodeWAV: unsupported format: missing data chunk")
	}

	numChannels := int(format.numChannels)
	numFrames := len(pcm) / (2 * numChannels)
	samples := make([]float32, numFrames)
	for i := 0; i < numFrames; i++ {
		var sum int32
		for ch := 0; ch < numChannels; ch++ {
			offset := (i*numChannels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(pcm[offset : offset+2]))
			sum += int32(v)
		}
		samples[i] = float32(sum) / float32(numChannels) / 32768.0
	}

	clip := Clip{Samples: samples, SampleRate: int(format.sampleRate)}
	if !windowed && windowSeconds > 0 {
		clip = Window(clip, windowSeconds)
	}
	return clip, nil
}

// readDataWindow reads only the frames inside the middle windowSeconds of
// the data chunk, discarding the rest. The window offset is computed from
// durationHint when present; deriving the duration from the chunk size
// otherwise is the probe the hint skips. The bool result reports whether
// windowing was already applied. A hint larger than the real duration
// pushes the window toward (or past) the end of the chunk; the clamps below
// bound it and validation catches a clip that came out empty.
func readDataWindow(r io.Reader, f wavFormat, chunkSize uint32, durationHint *float64, windowSeconds float64) ([]byte, bool, error) {
	frameBytes := int64(f.numChannels) * 2
	totalFrames := int64(chunkSize) / frameBytes

	if windowSeconds <= 0 {
		buf := make([]byte, chunkSize)
		_, err := io.ReadFull(r, buf)
		return buf, false, err
	}

	duration := float64(totalFrames) / float64(f.sampleRate)
	if durationHint != nil && *durationHint > 0 {
		duration = *durationHint
	}
	if duration <= windowSeconds {
		buf := make([]byte, chunkSize)
		_, err := io.ReadFull(r, buf)
		return buf, true, err
	}

	offsetFrames := int64(((duration - windowSeconds) / 2) * float64(f.sampleRate))
	lengthFrames := int64(windowSeconds * float64(f.sampleRate))
	if offsetFrames < 0 {
		offsetFrames = 0
	}
	if offsetFrames > totalFrames {
		offsetFrames = totalFrames
	}
	if offsetFrames+lengthFrames > totalFrames {
		lengthFrames = totalFrames - offsetFrames
	}

	if _, err := io.CopyN(io.Discard, r, offsetFrames*frameBytes); err != nil {
		return nil, false, err
	}
	buf := make([]byte, lengthFrames*frameBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	if rest := int64(chunkSize) - offsetFrames*frameBytes - int64(len(buf)); rest > 0 {
		if _, err := io.CopyN(io.Discard, r, rest); err != nil {
			return nil, false, err
		}
	}
	return buf, true, nil
}
