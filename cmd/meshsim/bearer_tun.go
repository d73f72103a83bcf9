// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.
package main

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"meshcore/bearer"
)

// tunBearer adapts a Linux TUN device into a bearer.Egress/Ingress pair,
// standing in for the advertising bearer this core treats as an opaque
// byte pipe.
type tunBearer struct {
	link    *netlink.Tuntap
	ifaceID int
}

func newTunBearer(name string, ifaceID int, ingress bearer.Ingress, lifecycle bearer.LifecycleSink) (*tunBearer, error) {
	tun := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_NO_PI,
		Queues:    1,
	}
	if err := netlink.LinkAdd(tun); err != nil {
		return nil, fmt.Errorf("meshsim: failed to add tun device %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(tun); err != nil {
		return nil, fmt.Errorf("meshsim: failed to up tun device %s: %w", name, err)
	}

	b := &tunBearer{link: tun, ifaceID: ifaceID}
	lifecycle.InterfaceAdded(ifaceID)
	go b.readLoop(ingress, lifecycle)
	return b, nil
}

func (b *tunBearer) readLoop(ingress bearer.Ingress, lifecycle bearer.LifecycleSink) {
	if len(b.link.Fds) == 0 {
		lifecycle.InterfaceClosed(b.ifaceID, fmt.Errorf("meshsim: tun device has no queues"))
		return
	}
	fd := b.link.Fds[0]
	buf := make([]byte, 1500)
	for {
		n, err := fd.Read(buf)
		if err != nil {
			lifecycle.InterfaceClosed(b.ifaceID, err)
			return
		}
		pdu := append([]byte{}, buf[:n]...)
		// A raw TUN frame carries no RSSI; mesh PDUs crossing this
		// adapter are treated as reported at 0 dBm.
		ingress.Deliver(b.ifaceID, pdu, 0)
	}
}

// Send implements bearer.Egress.
func (b *tunBearer) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	if len(b.link.Fds) == 0 {
		return fmt.Errorf("meshsim: tun device has no queues")
	}
	_, err := b.link.Fds[0].Write(pdu)
	return err
}

func (b *tunBearer) Close() error {
	return netlink.LinkDel(b.link)
}
