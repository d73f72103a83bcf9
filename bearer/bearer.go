// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package bearer defines the radio/bearer collaborator contract. The
// advertising and GATT bearer transports themselves are out of scope for
// this core and are referenced only by contract: a byte pipe delivering
// (pdu, rssi, iface) on ingress and accepting (pdu, iface) on egress.
// This package is that contract, expressed as capability interfaces.
package bearer

// Priority selects a coarse egress scheduling class; bearer
// implementations may use it to prioritize, e.g., Segment-ACKs over bulk
// data.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// CredentialsHint tells the bearer (or, more commonly, the caller
// selecting network-layer credentials before handing a PDU to the
// bearer) which key material produced this PDU. The bearer itself
// typically ignores this and just forwards bytes; it is threaded through
// so logging/metrics can distinguish master traffic from friendship
// traffic without re-parsing the PDU.
type CredentialsHint int

const (
	CredentialsMaster CredentialsHint = iota
	CredentialsFriendship
)

// Ingress is implemented by the core and registered with each bearer
// instance; the bearer calls Deliver once per received raw PDU.
type Ingress interface {
	Deliver(ifaceID int, pdu []byte, rssiDBM int8)
}

// Egress is implemented by a bearer (advertising, GATT, or a test
// double) and used by the network layer to transmit.
type Egress interface {
	// Send transmits pdu on ifaceID, or on every open interface when
	// ifaceID is IfaceAll.
	Send(ifaceID int, pdu []byte, priority Priority, hint CredentialsHint) error
}

// IfaceAll, passed to Egress.Send, broadcasts PDU to every open
// interface — used for local-origin network PDUs with no single relay
// target.
const IfaceAll = -1

// LifecycleSink receives interface add/remove/close notifications; the
// network layer implements this and is registered once per direction per
// §6 ("registers one callback per direction").
type LifecycleSink interface {
	InterfaceAdded(ifaceID int)
	InterfaceRemoved(ifaceID int)
	InterfaceClosed(ifaceID int, err error)
}
