// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.
package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ishidawataru/sctp"

	"meshcore/bearer"
)

const sctpDialTimeout = 5 * time.Second

// sctpBearer adapts an SCTP association into a bearer.Egress/Ingress
// pair, standing in for a GATT-proxy-style point-to-point bearer.
type sctpBearer struct {
	conn    *sctp.SCTPConn
	info    *sctp.SndRcvInfo
	ifaceID int
}

func newSCTPBearer(hostPort string, ifaceID int, ingress bearer.Ingress, lifecycle bearer.LifecycleSink) (*sctpBearer, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("meshsim: invalid sctp peer address %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("meshsim: invalid sctp peer port %q: %w", portStr, err)
	}

	ip, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, fmt.Errorf("meshsim: failed to resolve %s: %w", host, err)
	}
	addr := &sctp.SCTPAddr{IPAddrs: []net.IPAddr{*ip}, Port: port}

	c := make(chan bool, 1)
	var conn *sctp.SCTPConn
	go func() {
		conn, err = sctp.DialSCTP("sctp", nil, addr)
		c <- true
	}()
	select {
	case <-c:
		if err != nil {
			return nil, fmt.Errorf("meshsim: sctp dial failed: %w", err)
		}
	case <-time.After(sctpDialTimeout):
		return nil, fmt.Errorf("meshsim: sctp dial timeout after %s", sctpDialTimeout)
	}
	conn.SubscribeEvents(sctp.SCTP_EVENT_DATA_IO)

	b := &sctpBearer{
		conn:    conn,
		info:    &sctp.SndRcvInfo{Stream: 0},
		ifaceID: ifaceID,
	}
	lifecycle.InterfaceAdded(ifaceID)
	go b.readLoop(ingress, lifecycle)
	return b, nil
}

func (b *sctpBearer) readLoop(ingress bearer.Ingress, lifecycle bearer.LifecycleSink) {
	buf := make([]byte, 1500)
	for {
		n, _, err := b.conn.SCTPRead(buf)
		if err != nil {
			if strings.Contains(err.Error(), "EOF") {
				lifecycle.InterfaceRemoved(b.ifaceID)
			} else {
				lifecycle.InterfaceClosed(b.ifaceID, err)
			}
			return
		}
		pdu := append([]byte{}, buf[:n]...)
		ingress.Deliver(b.ifaceID, pdu, 0)
	}
}

// Send implements bearer.Egress.
func (b *sctpBearer) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	if _, err := b.conn.SCTPWrite(pdu, b.info); err != nil {
		return fmt.Errorf("meshsim: sctp send failed: %w", err)
	}
	return nil
}

func (b *sctpBearer) Close() error {
	return b.conn.Close()
}
