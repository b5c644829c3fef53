/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amdtp

// Subframe labels (spec.md 4.6, 6): the high byte of every 32-bit AMDTP
// subframe identifies its content.
const (
	LabelMBLA     = 0x40 // 24-bit linear audio
	LabelMIDI1    = 0x81 // 1 MIDI byte follows
	LabelMIDI2    = 0x82 // 2 MIDI bytes follow
	LabelMIDI3    = 0x83 // 3 MIDI bytes follow
	LabelMIDINoData = 0x80
)

// floatScale matches the source's float<->Int24 scaling constant
// (2,147,483,392 = 0x7FFFFF00, chosen so the round trip through 8-bit
// right-shift loses no usable mantissa bits for 24-bit audio).
const floatScale = 2147483392.0

// EncodeMBLA packs a 24-bit signed sample into a labeled 32-bit AMDTP
// subframe (spec.md 4.6: "(0x40 << 24) | (sample & 0x00FFFFFF)").
func EncodeMBLA(sample int32) uint32 {
	return (uint32(LabelMBLA) << 24) | (uint32(sample) & 0x00FFFFFF)
}

// DecodeMBLA is the inverse of EncodeMBLA: it sign-extends the 24-bit
// payload back to a full int32 and returns the label byte observed, so
// callers can validate it was actually an MBLA subframe.
func DecodeMBLA(word uint32) (sample int32, label uint8) {
	label = uint8(word >> 24)
	raw := word & 0x00FFFFFF
	if raw&0x00800000 != 0 {
		raw |= 0xFF000000 // sign-extend bit 23
	}
	return int32(raw), label
}

// SilenceMBLA is the wire value of a disabled/null audio port: label 0x40,
// zero payload (spec.md 4.6).
const SilenceMBLA = uint32(LabelMBLA) << 24

// EncodeFloat scales a [-1,1] float sample to the wire's 24-bit range and
// labels it as MBLA (spec.md 4.6: "scaled by 2,147,483,392 then shifted
// right 8 bits").
func EncodeFloat(sample float32) uint32 {
	scaled := int64(float64(sample) * floatScale)
	shifted := uint32(scaled>>8) & 0x00FFFFFF
	return (uint32(LabelMBLA) << 24) | shifted
}

// DecodeFloat is the inverse of EncodeFloat.
func DecodeFloat(word uint32) (sample float32, label uint8) {
	label = uint8(word >> 24)
	raw, _ := DecodeMBLA(word)
	shifted := int64(raw) << 8
	return float32(float64(shifted) / floatScale), label
}

// MIDIByteLabel returns the subframe label for n pending MIDI bytes (1-3),
// or LabelMIDINoData for n==0 (spec.md 4.6).
func MIDIByteLabel(n int) uint8 {
	switch n {
	case 1:
		return LabelMIDI1
	case 2:
		return LabelMIDI2
	case 3:
		return LabelMIDI3
	default:
		return LabelMIDINoData
	}
}

// EncodeMIDI packs up to 3 pending MIDI bytes into a labeled subframe; the
// unused high bytes of the 24-bit payload are zero.
func EncodeMIDI(bytes []byte) uint32 {
	label := MIDIByteLabel(len(bytes))
	var payload uint32
	for i, bt := range bytes {
		payload |= uint32(bt) << uint(16-8*i)
	}
	return (uint32(label) << 24) | payload
}

// DecodeMIDI is the inverse of EncodeMIDI: it returns the MIDI bytes
// present in the subframe (0-3 of them) per its label.
func DecodeMIDI(word uint32) []byte {
	label := uint8(word >> 24)
	var n int
	switch label {
	case LabelMIDI1:
		n = 1
	case LabelMIDI2:
		n = 2
	case LabelMIDI3:
		n = 3
	default:
		return nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(word >> uint(16-8*i))
	}
	return out
}

// MIDIRateLimiter paces MIDI byte emission to the IEC-61883-6 limit of one
// byte per SYT interval per port (spec.md 4.6: "320 µs per byte = SYT
// interval x 8 at 48kHz base" i.e. one byte every syt_interval frames).
// Zero value is ready to use.
type MIDIRateLimiter struct {
	framesSinceLastByte int
	pending             []byte
}

// Queue appends bytes to the pending queue for later pacing.
func (m *MIDIRateLimiter) Queue(bytes []byte) {
	m.pending = append(m.pending, bytes...)
}

// Pending reports how many MIDI bytes are still queued.
func (m *MIDIRateLimiter) Pending() int {
	return len(m.pending)
}

// NextSubframe advances the pacer by one frame and returns the labeled
// subframe word to emit for that frame: at most one byte is released every
// sytInterval frames, matching the 320µs/byte limit at 48kHz base rate.
func (m *MIDIRateLimiter) NextSubframe(sytInterval int) uint32 {
	m.framesSinceLastByte++
	if len(m.pending) == 0 || m.framesSinceLastByte < sytInterval {
		return uint32(LabelMIDINoData) << 24
	}
	b := m.pending[0]
	m.pending = m.pending[1:]
	m.framesSinceLastByte = 0
	return EncodeMIDI([]byte{b})
}
