// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package segpdu implements the lower transport framing: the 1-byte
// unsegmented header, the 4-byte segmented header (SEG, AKF||AID or
// Opcode, SZMIC, 13-bit SeqZero, 5-bit SegO, 5-bit SegN), and the 6-byte
// Segment-ACK payload (OBO||SeqZero||RFU||BlockAck).
//
// Bit widths are packed with wire/bitpack rather than native struct
// layout, since none of these fields fall on byte boundaries.
package segpdu

import (
	"encoding/binary"
	"fmt"

	"meshcore/wire/bitpack"
)

// Payload capacities, for access and control PDUs: the largest upper
// transport PDU carried unsegmented, and the payload of each segment.
const (
	UnsegmentedAccessCapacity  = 15
	UnsegmentedControlCapacity = 11
	SegmentPayloadAccess       = 12
	SegmentPayloadControl      = 8
)

// UnsegmentedHeader is the 1-byte header for an unsegmented lower
// transport PDU.
type UnsegmentedHeader struct {
	IsControl bool
	AKF       bool   // access only
	AID       uint8  // access only, 6 bits
	Opcode    uint8  // control only, 7 bits
}

// EncodeUnsegmented packs h into its single header byte.
func EncodeUnsegmented(h UnsegmentedHeader) byte {
	var b byte // SEG=0 is the zero bit
	if h.IsControl {
		b |= h.Opcode & 0x7F
	} else {
		if h.AKF {
			b |= 0x40
		}
		b |= h.AID & 0x3F
	}
	return b
}

// DecodeUnsegmented is the inverse of EncodeUnsegmented. isControl must
// be known from the network-header CTL bit: the unsegmented header
// itself carries nothing distinguishing access from control.
func DecodeUnsegmented(b byte, isControl bool) UnsegmentedHeader {
	h := UnsegmentedHeader{IsControl: isControl}
	if isControl {
		h.Opcode = b & 0x7F
	} else {
		h.AKF = b&0x40 != 0
		h.AID = b & 0x3F
	}
	return h
}

// IsSegmented reports the SEG bit of a lower-transport PDU's first byte.
func IsSegmented(firstByte byte) bool { return firstByte&0x80 != 0 }

// SegmentedHeader is the decoded 4-byte segmented lower-transport header.
type SegmentedHeader struct {
	IsControl bool
	AKF       bool  // access only
	AID       uint8 // access only, 6 bits
	Opcode    uint8 // control only, 7 bits
	SZMIC     bool  // access only
	SeqZero   uint16 // 13 bits
	SegO      uint8  // 5 bits
	SegN      uint8  // 5 bits
}

const SegmentedHeaderLen = 4

// EncodeSegmented packs h into its 4-byte header.
func EncodeSegmented(h SegmentedHeader) ([]byte, error) {
	if h.SeqZero > 0x1FFF {
		return nil, fmt.Errorf("segpdu: SeqZero %d does not fit in 13 bits", h.SeqZero)
	}
	if h.SegO > 31 || h.SegN > 31 {
		return nil, fmt.Errorf("segpdu: SegO/SegN must fit in 5 bits (got %d/%d)", h.SegO, h.SegN)
	}

	buf := make([]byte, SegmentedHeaderLen)
	if err := bitpack.PackUint(buf, 0, 1, 1); err != nil { // SEG=1
		return nil, err
	}

	var field2 uint32
	if h.IsControl {
		field2 = uint32(h.Opcode & 0x7F)
	} else {
		if h.AKF {
			field2 |= 0x40
		}
		field2 |= uint32(h.AID & 0x3F)
	}
	if err := bitpack.PackUint(buf, 1, 7, field2); err != nil {
		return nil, err
	}

	szmic := uint32(0)
	if h.SZMIC && !h.IsControl {
		szmic = 1
	}
	if err := bitpack.PackUint(buf, 8, 1, szmic); err != nil {
		return nil, err
	}
	if err := bitpack.PackUint(buf, 9, 13, uint32(h.SeqZero)); err != nil {
		return nil, err
	}
	if err := bitpack.PackUint(buf, 22, 5, uint32(h.SegO)); err != nil {
		return nil, err
	}
	if err := bitpack.PackUint(buf, 27, 5, uint32(h.SegN)); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeSegmented is the inverse of EncodeSegmented. isControl must be
// known from the network-header CTL bit.
func DecodeSegmented(buf []byte, isControl bool) (SegmentedHeader, error) {
	if len(buf) < SegmentedHeaderLen {
		return SegmentedHeader{}, fmt.Errorf("segpdu: segmented header too short: %d bytes", len(buf))
	}
	field2, err := bitpack.UnpackUint(buf, 1, 7)
	if err != nil {
		return SegmentedHeader{}, err
	}
	szmic, err := bitpack.UnpackUint(buf, 8, 1)
	if err != nil {
		return SegmentedHeader{}, err
	}
	seqZero, err := bitpack.UnpackUint(buf, 9, 13)
	if err != nil {
		return SegmentedHeader{}, err
	}
	segO, err := bitpack.UnpackUint(buf, 22, 5)
	if err != nil {
		return SegmentedHeader{}, err
	}
	segN, err := bitpack.UnpackUint(buf, 27, 5)
	if err != nil {
		return SegmentedHeader{}, err
	}

	h := SegmentedHeader{
		IsControl: isControl,
		SZMIC:     szmic == 1,
		SeqZero:   uint16(seqZero),
		SegO:      uint8(segO),
		SegN:      uint8(segN),
	}
	if isControl {
		h.Opcode = uint8(field2 & 0x7F)
	} else {
		h.AKF = field2&0x40 != 0
		h.AID = uint8(field2 & 0x3F)
	}
	return h, nil
}

// ReconstructSeq reconstructs the full 24-bit SEQ of a segment given the
// 13-bit SeqZero carried in its header and the 24-bit SEQ the segment
// itself arrived with: the reconstructed SEQ is the largest value <=
// the received SEQ whose low 13 bits equal SeqZero.
func ReconstructSeq(receivedSeq uint32, seqZero uint16) uint32 {
	const mask = uint32(0x1FFF)
	candidate := (receivedSeq &^ mask) | uint32(seqZero)
	if candidate > receivedSeq {
		candidate -= mask + 1
	}
	return candidate
}

// SegmentAck is the 6-byte Segment-ACK payload:
// OBO(1b)||SeqZero(13b)||RFU(2b)||BlockAck(32b).
type SegmentAck struct {
	OBO      bool
	SeqZero  uint16 // 13 bits
	BlockAck uint32
}

const SegmentAckLen = 6

// Encode packs a into its 6-byte wire form.
func (a SegmentAck) Encode() ([]byte, error) {
	if a.SeqZero > 0x1FFF {
		return nil, fmt.Errorf("segpdu: SeqZero %d does not fit in 13 bits", a.SeqZero)
	}
	buf := make([]byte, SegmentAckLen)
	obo := uint32(0)
	if a.OBO {
		obo = 1
	}
	if err := bitpack.PackUint(buf, 0, 1, obo); err != nil {
		return nil, err
	}
	if err := bitpack.PackUint(buf, 1, 13, uint32(a.SeqZero)); err != nil {
		return nil, err
	}
	// bits 14-15 are RFU, left zero.
	binary.BigEndian.PutUint32(buf[2:6], a.BlockAck)
	return buf, nil
}

// DecodeSegmentAck is the inverse of Encode.
func DecodeSegmentAck(buf []byte) (SegmentAck, error) {
	if len(buf) < SegmentAckLen {
		return SegmentAck{}, fmt.Errorf("segpdu: Segment-ACK too short: %d bytes", len(buf))
	}
	obo, err := bitpack.UnpackUint(buf, 0, 1)
	if err != nil {
		return SegmentAck{}, err
	}
	seqZero, err := bitpack.UnpackUint(buf, 1, 13)
	if err != nil {
		return SegmentAck{}, err
	}
	return SegmentAck{
		OBO:      obo == 1,
		SeqZero:  uint16(seqZero),
		BlockAck: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// FullBlockAck returns the BlockAck value representing segN+1 segments
// all acknowledged; segN=0 completes on a single segment with
// BlockAck=0b1.
func FullBlockAck(segN uint8) uint32 {
	return (uint32(1) << (uint32(segN) + 1)) - 1
}
