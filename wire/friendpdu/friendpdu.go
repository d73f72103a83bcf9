// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package friendpdu implements the byte-exact wire formats of the
// friendship control messages carried as lower transport control PDUs:
// Friend-Request, Friend-Offer, Friend-Poll, Friend-Clear,
// Friend-Clear-Confirm, Friend-Update, and the Friend-Subscription-List
// Add/Remove/Confirm family.
//
// Each message type round-trips through Encode/Decode pairs, mirroring
// wire/netpdu and wire/segpdu's style; multi-byte fields are big-endian,
// network byte order, throughout.
package friendpdu

import (
	"encoding/binary"
	"fmt"
)

// Control opcodes for the friendship message family.
const (
	OpcodeSegmentAck       = 0x00
	OpcodeFriendPoll       = 0x01
	OpcodeFriendUpdate     = 0x02
	OpcodeFriendRequest    = 0x03
	OpcodeFriendOffer      = 0x04
	OpcodeFriendClear      = 0x05
	OpcodeFriendClearConfirm = 0x06
	OpcodeSubscrListAdd    = 0x07
	OpcodeSubscrListRemove = 0x08
	OpcodeSubscrListConfirm = 0x09
	OpcodeHeartbeat        = 0x0A
)

// FriendRequest is the 10-byte Friend-Request PDU.
type FriendRequest struct {
	Criteria    byte
	RecvDelay   uint8
	PollTimeout uint32 // 24 bits, 100ms units
	PrevAddr    uint16
	NumElements uint8
	LPNCounter  uint16
}

const FriendRequestLen = 10

// Encode packs r into its 10-byte wire form:
// criteria(1)||recvDelay(1)||pollTimeout(3,BE)||prevAddr(2,BE)||numElements(1)||lpnCounter(2,BE).
func (r FriendRequest) Encode() ([]byte, error) {
	if r.PollTimeout > 0x00FFFFFF {
		return nil, fmt.Errorf("friendpdu: PollTimeout %d does not fit in 24 bits", r.PollTimeout)
	}
	buf := make([]byte, FriendRequestLen)
	buf[0] = r.Criteria
	buf[1] = r.RecvDelay
	buf[2] = byte(r.PollTimeout >> 16)
	buf[3] = byte(r.PollTimeout >> 8)
	buf[4] = byte(r.PollTimeout)
	binary.BigEndian.PutUint16(buf[5:7], r.PrevAddr)
	buf[7] = r.NumElements
	binary.BigEndian.PutUint16(buf[8:10], r.LPNCounter)
	return buf, nil
}

// DecodeFriendRequest is the inverse of Encode.
func DecodeFriendRequest(buf []byte) (FriendRequest, error) {
	if len(buf) < FriendRequestLen {
		return FriendRequest{}, fmt.Errorf("friendpdu: Friend-Request too short: %d bytes", len(buf))
	}
	return FriendRequest{
		Criteria:    buf[0],
		RecvDelay:   buf[1],
		PollTimeout: uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4]),
		PrevAddr:    binary.BigEndian.Uint16(buf[5:7]),
		NumElements: buf[7],
		LPNCounter:  binary.BigEndian.Uint16(buf[8:10]),
	}, nil
}

// FriendOffer is the 6-byte Friend-Offer PDU.
type FriendOffer struct {
	ReceiveWindow   uint8
	QueueSize       uint8
	SubscrListSize  uint8
	RSSI            int8
	FriendCounter   uint16
}

const FriendOfferLen = 6

// Encode packs o into its 6-byte wire form:
// receiveWindow(1)||queueSize(1)||subscrListSize(1)||rssi(1)||friendCounter(2,BE).
func (o FriendOffer) Encode() []byte {
	buf := make([]byte, FriendOfferLen)
	buf[0] = o.ReceiveWindow
	buf[1] = o.QueueSize
	buf[2] = o.SubscrListSize
	buf[3] = byte(o.RSSI)
	binary.BigEndian.PutUint16(buf[4:6], o.FriendCounter)
	return buf
}

// DecodeFriendOffer is the inverse of Encode.
func DecodeFriendOffer(buf []byte) (FriendOffer, error) {
	if len(buf) < FriendOfferLen {
		return FriendOffer{}, fmt.Errorf("friendpdu: Friend-Offer too short: %d bytes", len(buf))
	}
	return FriendOffer{
		ReceiveWindow:  buf[0],
		QueueSize:      buf[1],
		SubscrListSize: buf[2],
		RSSI:           int8(buf[3]),
		FriendCounter:  binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// FriendPoll is the 1-byte Friend-Poll PDU: 7-bit RFU followed by the FSN bit.
type FriendPoll struct {
	FSN bool
}

const FriendPollLen = 1

// Encode packs p into its single byte.
func (p FriendPoll) Encode() byte {
	if p.FSN {
		return 0x01
	}
	return 0x00
}

// DecodeFriendPoll is the inverse of Encode.
func DecodeFriendPoll(b byte) FriendPoll {
	return FriendPoll{FSN: b&0x01 != 0}
}

// friendAddrCounter is the shared 4-byte lpnAddr||lpnCounter layout used
// by both Friend-Clear and Friend-Clear-Confirm.
type friendAddrCounter struct {
	LPNAddr    uint16
	LPNCounter uint16
}

const friendAddrCounterLen = 4

func (f friendAddrCounter) encode() []byte {
	buf := make([]byte, friendAddrCounterLen)
	binary.BigEndian.PutUint16(buf[0:2], f.LPNAddr)
	binary.BigEndian.PutUint16(buf[2:4], f.LPNCounter)
	return buf
}

func decodeFriendAddrCounter(buf []byte, what string) (friendAddrCounter, error) {
	if len(buf) < friendAddrCounterLen {
		return friendAddrCounter{}, fmt.Errorf("friendpdu: %s too short: %d bytes", what, len(buf))
	}
	return friendAddrCounter{
		LPNAddr:    binary.BigEndian.Uint16(buf[0:2]),
		LPNCounter: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// FriendClear is the 4-byte Friend-Clear PDU: lpnAddr||lpnCounter.
type FriendClear struct {
	LPNAddr    uint16
	LPNCounter uint16
}

const FriendClearLen = friendAddrCounterLen

// Encode packs c into its 4-byte wire form.
func (c FriendClear) Encode() []byte {
	return friendAddrCounter(c).encode()
}

// DecodeFriendClear is the inverse of Encode.
func DecodeFriendClear(buf []byte) (FriendClear, error) {
	fc, err := decodeFriendAddrCounter(buf, "Friend-Clear")
	return FriendClear(fc), err
}

// FriendClearConfirm is the 4-byte Friend-Clear-Confirm PDU: identical
// layout to FriendClear, echoing the same (lpnAddr, lpnCounter) tuple.
type FriendClearConfirm struct {
	LPNAddr    uint16
	LPNCounter uint16
}

const FriendClearConfirmLen = friendAddrCounterLen

// Encode packs c into its 4-byte wire form.
func (c FriendClearConfirm) Encode() []byte {
	return friendAddrCounter(c).encode()
}

// DecodeFriendClearConfirm is the inverse of Encode.
func DecodeFriendClearConfirm(buf []byte) (FriendClearConfirm, error) {
	fc, err := decodeFriendAddrCounter(buf, "Friend-Clear-Confirm")
	return FriendClearConfirm(fc), err
}

// Matches reports whether a Clear-Confirm settles the given outstanding
// Friend-Clear: it must return with a matching (lpnAddr, lpnCounter).
func (c FriendClearConfirm) Matches(outstanding FriendClear) bool {
	return c.LPNAddr == outstanding.LPNAddr && c.LPNCounter == outstanding.LPNCounter
}

// FriendUpdate is the 6-byte Friend-Update PDU carrying subnet security
// state to a sleeping LPN.
type FriendUpdate struct {
	KeyRefreshFlag bool
	IVUpdateFlag   bool
	IVIndex        uint32
	MD             bool // more-data: queue still holds further entries
}

const FriendUpdateLen = 6

const (
	flagKeyRefresh = 0x01
	flagIVUpdate   = 0x02
)

// Encode packs u into its 6-byte wire form: flags(1)||ivIndex(4,BE)||md(1).
func (u FriendUpdate) Encode() []byte {
	buf := make([]byte, FriendUpdateLen)
	var flags byte
	if u.KeyRefreshFlag {
		flags |= flagKeyRefresh
	}
	if u.IVUpdateFlag {
		flags |= flagIVUpdate
	}
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:5], u.IVIndex)
	if u.MD {
		buf[5] = 1
	}
	return buf
}

// DecodeFriendUpdate is the inverse of Encode.
func DecodeFriendUpdate(buf []byte) (FriendUpdate, error) {
	if len(buf) < FriendUpdateLen {
		return FriendUpdate{}, fmt.Errorf("friendpdu: Friend-Update too short: %d bytes", len(buf))
	}
	return FriendUpdate{
		KeyRefreshFlag: buf[0]&flagKeyRefresh != 0,
		IVUpdateFlag:   buf[0]&flagIVUpdate != 0,
		IVIndex:        binary.BigEndian.Uint32(buf[1:5]),
		MD:             buf[5] != 0,
	}, nil
}

// SubscrListUpdate is the shared Add/Remove layout: transNum(1) followed
// by N big-endian 16-bit addresses.
type SubscrListUpdate struct {
	TransNum  uint8
	Addresses []uint16
}

// Encode packs u into its 1+2N-byte wire form.
func (u SubscrListUpdate) Encode() []byte {
	buf := make([]byte, 1+2*len(u.Addresses))
	buf[0] = u.TransNum
	for i, addr := range u.Addresses {
		binary.BigEndian.PutUint16(buf[1+2*i:3+2*i], addr)
	}
	return buf
}

// DecodeSubscrListUpdate is the inverse of Encode.
func DecodeSubscrListUpdate(buf []byte) (SubscrListUpdate, error) {
	if len(buf) < 1 {
		return SubscrListUpdate{}, fmt.Errorf("friendpdu: Subscription-List update too short: %d bytes", len(buf))
	}
	if (len(buf)-1)%2 != 0 {
		return SubscrListUpdate{}, fmt.Errorf("friendpdu: Subscription-List update has odd address tail: %d bytes", len(buf))
	}
	n := (len(buf) - 1) / 2
	addrs := make([]uint16, n)
	for i := 0; i < n; i++ {
		addrs[i] = binary.BigEndian.Uint16(buf[1+2*i : 3+2*i])
	}
	return SubscrListUpdate{TransNum: buf[0], Addresses: addrs}, nil
}

// SubscrListConfirm is the 1-byte Friend-Subscription-List-Confirm PDU,
// echoing the transaction number of the update it confirms.
type SubscrListConfirm struct {
	TransNum uint8
}

const SubscrListConfirmLen = 1

// Encode packs c into its single byte.
func (c SubscrListConfirm) Encode() byte { return c.TransNum }

// DecodeSubscrListConfirm is the inverse of Encode.
func DecodeSubscrListConfirm(b byte) SubscrListConfirm {
	return SubscrListConfirm{TransNum: b}
}
