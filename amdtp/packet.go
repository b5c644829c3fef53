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

import (
	"encoding/binary"
	"fmt"
)

// EncodeFrame writes one audio frame's worth of subframes (c.Dimension()
// of them, 4 bytes each, big-endian) into dst, in port-cache order: audio
// ports first, then MIDI ports. frameIdx indexes into each port's
// per-period buffer. Disabled audio ports write silence so dbc stays
// consistent with a constant dimension (spec.md 9: "Disabled audio ports
// MUST still write silence to the wire to keep dbc consistent").
func (c *Cache) EncodeFrame(dst []byte, frameIdx int) error {
	need := c.Dimension() * 4
	if len(dst) < need {
		return fmt.Errorf("amdtp: dst too short: have %d bytes, need %d", len(dst), need)
	}
	off := 0
	for _, p := range c.audio {
		var word uint32
		switch {
		case !p.Enabled:
			word = SilenceMBLA
		case p.Format == Float:
			if frameIdx >= len(p.FloatBuffer) {
				return fmt.Errorf("amdtp: frame %d out of range for float port at position %d", frameIdx, p.Position)
			}
			word = EncodeFloat(p.FloatBuffer[frameIdx])
		default:
			if frameIdx >= len(p.AudioBuffer) {
				return fmt.Errorf("amdtp: frame %d out of range for audio port at position %d", frameIdx, p.Position)
			}
			word = EncodeMBLA(p.AudioBuffer[frameIdx])
		}
		binary.BigEndian.PutUint32(dst[off:off+4], word)
		off += 4
	}
	for _, p := range c.midi {
		var word uint32
		if p.Enabled {
			word = p.MIDI.NextSubframe(c.sytInterval)
		} else {
			word = uint32(LabelMIDINoData) << 24
		}
		binary.BigEndian.PutUint32(dst[off:off+4], word)
		off += 4
	}
	return nil
}

// DecodeFrame is the inverse of EncodeFrame: it reads one frame's
// subframes from src and fans MBLA samples out to each audio port's
// buffer at frameIdx, and MIDI bytes into each MIDI port's pending queue.
func (c *Cache) DecodeFrame(src []byte, frameIdx int) error {
	need := c.Dimension() * 4
	if len(src) < need {
		return fmt.Errorf("amdtp: src too short: have %d bytes, need %d", len(src), need)
	}
	off := 0
	for _, p := range c.audio {
		word := binary.BigEndian.Uint32(src[off : off+4])
		off += 4
		if !p.Enabled {
			continue
		}
		switch p.Format {
		case Float:
			sample, _ := DecodeFloat(word)
			if frameIdx < len(p.FloatBuffer) {
				p.FloatBuffer[frameIdx] = sample
			}
		default:
			sample, _ := DecodeMBLA(word)
			if frameIdx < len(p.AudioBuffer) {
				p.AudioBuffer[frameIdx] = sample
			}
		}
	}
	for _, p := range c.midi {
		word := binary.BigEndian.Uint32(src[off : off+4])
		off += 4
		if !p.Enabled {
			continue
		}
		if bytes := DecodeMIDI(word); len(bytes) > 0 {
			p.MIDI.Queue(bytes)
		}
	}
	return nil
}

// PacketBytes returns the total wire size (header + payload) of an AMDTP
// data packet carrying frameCount frames at the cache's dimension.
func (c *Cache) PacketBytes(frameCount int) int {
	return Len + frameCount*c.Dimension()*4
}

// EncodeSilenceFrame writes one frame of forced silence: every audio
// subframe gets SilenceMBLA and every MIDI subframe gets the no-data
// label, regardless of a port's Enabled flag. Used while DryRunning, where
// the stream must keep transmitting in-format packets without a live
// source feeding the ring buffer (spec.md 3.3 "DryRunning emits silence
// (transmit)... but keeps the DLL converged").
func (c *Cache) EncodeSilenceFrame(dst []byte) error {
	need := c.Dimension() * 4
	if len(dst) < need {
		return fmt.Errorf("amdtp: dst too short: have %d bytes, need %d", len(dst), need)
	}
	off := 0
	for range c.audio {
		binary.BigEndian.PutUint32(dst[off:off+4], SilenceMBLA)
		off += 4
	}
	for range c.midi {
		binary.BigEndian.PutUint32(dst[off:off+4], uint32(LabelMIDINoData)<<24)
		off += 4
	}
	return nil
}

// FillSilence zeroes the first n frames of every audio port's client
// buffer, used when a receive SP delivers a period while DryRunning
// instead of decoding real packet data (spec.md 4.5 "get_frames ... if
// DryRunning, emits silence to ports instead").
func (c *Cache) FillSilence(n int) {
	for _, p := range c.audio {
		switch p.Format {
		case Float:
			for i := 0; i < n && i < len(p.FloatBuffer); i++ {
				p.FloatBuffer[i] = 0
			}
		default:
			for i := 0; i < n && i < len(p.AudioBuffer); i++ {
				p.AudioBuffer[i] = 0
			}
		}
	}
}

// EncodeSilencePacket is EncodeDataPacket's DryRunning counterpart: same
// header and framing, but every subframe is forced silence.
func (c *Cache) EncodeSilencePacket(dst []byte, h Header, frameCount int) error {
	need := c.PacketBytes(frameCount)
	if len(dst) < need {
		return fmt.Errorf("amdtp: dst too short: have %d bytes, need %d", len(dst), need)
	}
	h.DBS = uint8(c.Dimension())
	hdr := h.Encode()
	copy(dst[:Len], hdr[:])
	for f := 0; f < frameCount; f++ {
		off := Len + f*c.Dimension()*4
		if err := c.EncodeSilenceFrame(dst[off : off+c.Dimension()*4]); err != nil {
			return err
		}
	}
	return nil
}

// EncodeDataPacket serializes a complete AMDTP packet: CIP header followed
// by frameCount frames of payload. h.DBC carries the caller-maintained
// data-block continuity counter value for this packet (spec.md 6).
func (c *Cache) EncodeDataPacket(dst []byte, h Header, frameCount int) error {
	need := c.PacketBytes(frameCount)
	if len(dst) < need {
		return fmt.Errorf("amdtp: dst too short: have %d bytes, need %d", len(dst), need)
	}
	h.DBS = uint8(c.Dimension())
	hdr := h.Encode()
	copy(dst[:Len], hdr[:])
	for f := 0; f < frameCount; f++ {
		off := Len + f*c.Dimension()*4
		if err := c.EncodeFrame(dst[off:off+c.Dimension()*4], f); err != nil {
			return err
		}
	}
	return nil
}

// DecodeDataPacket parses a complete AMDTP packet, returning its header
// and fanning the payload's frames out through DecodeFrame.
func (c *Cache) DecodeDataPacket(src []byte) (Header, int, error) {
	h, err := Decode(src)
	if err != nil {
		return Header{}, 0, err
	}
	dim := c.Dimension()
	if dim == 0 {
		return h, 0, fmt.Errorf("amdtp: empty port cache")
	}
	payload := src[Len:]
	frameBytes := dim * 4
	if len(payload)%frameBytes != 0 {
		return h, 0, fmt.Errorf("amdtp: payload %d bytes not a multiple of frame size %d", len(payload), frameBytes)
	}
	frameCount := len(payload) / frameBytes
	for f := 0; f < frameCount; f++ {
		off := f * frameBytes
		if err := c.DecodeFrame(payload[off:off+frameBytes], f); err != nil {
			return h, f, err
		}
	}
	return h, frameCount, nil
}
