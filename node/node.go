// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package node wires the local configuration store, network, lower
// transport, upper transport, friend, and low power node layers into
// one cooperatively-scheduled core, and adapts bearer ingress into the
// single handler queue every other entry point already shares.
package node

import (
	"context"

	"meshcore/bearer"
	"meshcore/config"
	"meshcore/events"
	"meshcore/friend"
	"meshcore/lowertransport"
	"meshcore/lpn"
	"meshcore/netlayer"
	"meshcore/replay"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/uppertransport"
)

// Node is one complete mesh node core.
type Node struct {
	Store   *store.Store
	Net     *netlayer.Layer
	Lower   *lowertransport.Layer
	Upper   *uppertransport.Layer
	Friend  *friend.Layer
	LPN     *lpn.Layer

	loop   *sched.Loop
	events events.Sink
}

// Options configures the roles a node takes on; both may be enabled
// simultaneously only for test rigs exercising both sides of a
// friendship in-process.
type Options struct {
	EnableFriend bool
	EnableLPN    bool

	OwnReceiveWindowMS uint8 // Friend role: advertised ReceiveWindow
	MinRecvDelayMS     uint8 // Friend role: rejection threshold

	LPNMinQueueSizeLog uint8 // LPN role: minimum acceptable offer queue size
	LPNOwnCriteria     byte  // LPN role: Criteria byte sent with Friend-Request
}

// New constructs a Node from boot configuration, a primary element
// address, an NVM store, an events sink, and the bearer egress/queue
// depth collaborators. The returned Node is not yet running; call Run to
// start draining its handler queue.
func New(boot *config.Boot, primaryAddr uint16, nvm config.NVMStore, egress bearer.Egress,
	sink events.Sink, queueDepth int, opts Options) *Node {
	n := &Node{events: sink}

	n.Store = store.New(boot, primaryAddr, nvm)
	rpl := replay.NewRPL(boot.RpListSize)
	history := replay.NewHistory(boot.SarRxTranHistorySize)

	n.loop = sched.NewLoop(queueDepth, n.handle)

	n.Net = netlayer.New(n.Store, rpl, egress, sink, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	n.Lower = lowertransport.New(n.Store, history, n.loop, n.Net, sink, boot.SarRxTranInfoSize)
	n.Net.SetRxSink(n.Lower)
	n.Upper = uppertransport.New(n.Store, n.loop, n.Lower, sink)
	n.Lower.SetAccessSink(n.Upper)
	n.Lower.SetControlSink(n.Upper)

	if opts.EnableFriend {
		n.Friend = friend.New(n.Store, n.loop, n.Net, n.Lower,
			boot.MaxNumFriendships, boot.MaxNumFriendQueueEntries, boot.MaxFriendSubscrListSize,
			opts.OwnReceiveWindowMS, opts.MinRecvDelayMS)
		n.Upper.SetFriendshipSink(n.Friend)
		n.Lower.SetFriendRoute(n.Friend)
		n.Lower.SetFriendQueueSink(n.Friend)
		n.Lower.SetAckSrcResolver(n.Friend.ResolveAckSrc)
		n.Net.RegisterLPNAddrMatcher(n.Friend.HasLPNDestination)
	}
	if opts.EnableLPN {
		n.LPN = lpn.New(n.Store, n.loop, n.Net, n.Lower, sink,
			boot.NetKeyListSize, opts.LPNMinQueueSizeLog, opts.LPNOwnCriteria)
		if n.Friend == nil {
			n.Upper.SetFriendshipSink(n.LPN)
		}
	}

	sink.Notify(events.NodeStarted{PrimaryAddr: primaryAddr, ElementCount: n.Store.ElementCount()})
	return n
}

// ingressMsg carries one bearer-delivered PDU onto the handler queue: a
// bearer callback only enqueues a message and returns, never processing
// the PDU inline on the bearer's own goroutine.
type ingressMsg struct {
	ifaceID int
	pdu     []byte
	rssi    int8
}

type lifecycleMsg struct {
	kind    int
	ifaceID int
	err     error
}

const (
	lifecycleAdded = iota
	lifecycleRemoved
	lifecycleClosed
)

// Ingress returns the bearer.Ingress this node's bearer adapters should
// call on every received PDU.
func (n *Node) Ingress() bearer.Ingress { return nodeIngress{n} }

type nodeIngress struct{ n *Node }

func (i nodeIngress) Deliver(ifaceID int, pdu []byte, rssiDBM int8) {
	i.n.loop.Post(ingressMsg{ifaceID: ifaceID, pdu: pdu, rssi: rssiDBM})
}

// Lifecycle returns the bearer.LifecycleSink this node's bearer adapters
// should call on interface add/remove/close.
func (n *Node) Lifecycle() bearer.LifecycleSink { return nodeLifecycle{n} }

type nodeLifecycle struct{ n *Node }

func (l nodeLifecycle) InterfaceAdded(ifaceID int) {
	l.n.loop.Post(lifecycleMsg{kind: lifecycleAdded, ifaceID: ifaceID})
}
func (l nodeLifecycle) InterfaceRemoved(ifaceID int) {
	l.n.loop.Post(lifecycleMsg{kind: lifecycleRemoved, ifaceID: ifaceID})
}
func (l nodeLifecycle) InterfaceClosed(ifaceID int, err error) {
	l.n.loop.Post(lifecycleMsg{kind: lifecycleClosed, ifaceID: ifaceID, err: err})
}

func (n *Node) handle(msg sched.Msg) {
	switch m := msg.(type) {
	case ingressMsg:
		n.Net.Deliver(m.ifaceID, m.pdu, m.rssi)
	case lifecycleMsg:
		switch m.kind {
		case lifecycleAdded:
			n.events.Notify(events.InterfaceAdded{IfaceID: m.ifaceID})
		case lifecycleRemoved:
			n.events.Notify(events.InterfaceRemoved{IfaceID: m.ifaceID})
		case lifecycleClosed:
			n.events.Notify(events.InterfaceClosed{IfaceID: m.ifaceID, Err: m.err})
		}
	case sched.TimerExpired:
		if n.Lower.HandleTimerExpired(m) {
			return
		}
		if n.Upper.HandleTimerExpired(m) {
			return
		}
		if n.Friend != nil && n.Friend.HandleTimerExpired(m) {
			return
		}
		if n.LPN != nil && n.LPN.HandleTimerExpired(m) {
			return
		}
	}
}

// Run drains the node's handler queue until ctx is cancelled. It must run
// on its own goroutine; every other method on Node is safe to call
// concurrently with Run because they only ever post to the queue.
func (n *Node) Run(ctx context.Context) {
	n.loop.Run(ctx)
}
