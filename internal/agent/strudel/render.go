// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package strudel

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"

	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

const (
	// cycleSeconds is the base cycle length at speed 1.
	cycleSeconds = 2.0

	// renderBlockFrames is the cooperative-cancel granularity: the
	// renderer checks ctx between blocks, never mid-block.
	renderBlockFrames = 22050
)

// renderConfig bounds one render.
type renderConfig struct {
	sampleRate int
	channels   int
	duration   float64 // seconds
	onProgress func(percent int)
}

// render synthesizes PCM16 audio for the pattern and encodes it as WAV.
// Cancellation is observed at block boundaries.
func render(ctx context.Context, pat *Pattern, cfg renderConfig) ([]byte, error) {
	totalFrames := int(cfg.duration * float64(cfg.sampleRate))
	samples := make([]float64, totalFrames)

	voices := buildVoices(pat, cfg.sampleRate, cfg.duration)

	for start := 0; start < totalFrames; start += renderBlockFrames {
		if err := ctx.Err(); err != nil {
			if pkgerrors.Is(err, context.DeadlineExceeded) {
				return nil, &pkgerrors.TimeoutError{Operation: "render"}
			}
			return nil, &pkgerrors.CancelledError{Operation: "render"}
		}

		end := start + renderBlockFrames
		if end > totalFrames {
			end = totalFrames
		}
		for _, v := range voices {
			v.mix(samples[start:end], start)
		}

		if cfg.onProgress != nil {
			cfg.onProgress(end * 100 / totalFrames)
		}
	}

	normalize(samples)
	return encodeWAV(samples, cfg.sampleRate, cfg.channels), nil
}

// voice is one scheduled hit: an oscillator or noise burst placed at a
// frame offset with an exponential decay envelope.
type voice struct {
	startFrame int
	length     int
	freq       float64 // 0 = noise
	gain       float64
	decay      float64
	sampleRate int
	noiseSeed  int64
}

func (v *voice) mix(block []float64, blockStart int) {
	rng := rand.New(rand.NewSource(v.noiseSeed))
	for i := range block {
		frame := blockStart + i
		rel := frame - v.startFrame
		if rel < 0 || rel >= v.length {
			continue
		}
		t := float64(rel) / float64(v.sampleRate)
		env := math.Exp(-t * v.decay)
		var s float64
		if v.freq > 0 {
			s = math.Sin(2 * math.Pi * v.freq * t)
		} else {
			// Noise voices re-derive their sequence per block so that
			// mixing stays deterministic regardless of block splits.
			s = rng.Float64()*2 - 1
		}
		block[i] += s * env * v.gain
	}
}

// buildVoices lays every layer's steps out on the timeline for the full
// duration. Step weights stretch slots within a cycle.
func buildVoices(pat *Pattern, sampleRate int, duration float64) []*voice {
	var voices []*voice
	for li, layer := range pat.Layers {
		if len(layer.Steps) == 0 {
			continue
		}
		speed := layer.Speed
		if speed <= 0 {
			speed = 1
		}
		cycleLen := cycleSeconds / speed

		totalWeight := 0
		for _, st := range layer.Steps {
			totalWeight += st.Weight
		}

		for cycleStart := 0.0; cycleStart < duration; cycleStart += cycleLen {
			offset := 0.0
			for si, st := range layer.Steps {
				slot := cycleLen * float64(st.Weight) / float64(totalWeight)
				at := cycleStart + offset
				offset += slot
				if st.Rest || at >= duration {
					continue
				}
				voices = append(voices, newVoice(st, at, slot, layer.Gain, sampleRate, int64(li*1000+si)))
			}
		}
	}
	return voices
}

func newVoice(st Step, at, slot, gain float64, sampleRate int, seed int64) *voice {
	v := &voice{
		startFrame: int(at * float64(sampleRate)),
		gain:       gain,
		sampleRate: sampleRate,
		noiseSeed:  seed,
	}

	length := slot
	switch st.Sound {
	case "bd":
		v.freq, v.decay = 55, 18
	case "sd", "cp", "rim":
		v.freq, v.decay = 0, 30
	case "hh", "click", "perc":
		v.freq, v.decay, length = 0, 80, minf(slot, 0.1)
	case "oh", "crash", "ride":
		v.freq, v.decay = 0, 8
	case "lt":
		v.freq, v.decay = 90, 14
	case "mt":
		v.freq, v.decay = 130, 14
	case "ht":
		v.freq, v.decay = 180, 14
	case "cb":
		v.freq, v.decay = 540, 25
	case "":
		// Tonal step.
		v.freq, v.decay = st.Freq, 4
	default:
		// Unknown sound, rendered as a short click.
		v.freq, v.decay, length = 0, 120, minf(slot, 0.05)
	}

	v.length = int(length * float64(sampleRate))
	if v.length < 1 {
		v.length = 1
	}
	return v
}

// normalize scales the mix so peaks sit at -1 dBFS, avoiding clipping
// from stacked layers.
func normalize(samples []float64) {
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	scale := 0.89 / peak
	if scale >= 1 {
		return
	}
	for i := range samples {
		samples[i] *= scale
	}
}

// encodeWAV writes a PCM16 RIFF container. Mono input is duplicated
// across channels.
func encodeWAV(samples []float64, sampleRate, channels int) []byte {
	frames := len(samples)
	dataSize := frames * channels * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	off := 44
	for _, s := range samples {
		v := int16(clamp(s, -1, 1) * 32767)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(v))
			off += 2
		}
	}
	return buf
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
