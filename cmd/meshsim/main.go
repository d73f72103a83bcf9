// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshcore/bearer"
	"meshcore/config"
	"meshcore/events"
	"meshcore/node"
)

func main() {
	bootFile := flag.String("boot", "", "boot configuration JSON file (defaults built in if empty)")
	primaryAddr := flag.Uint("addr", 0x0001, "primary element address")
	tunName := flag.String("tun", "", "TUN interface name for the advertising-bearer adapter (disabled if empty)")
	sctpAddr := flag.String("sctp-peer", "", "host:port of an SCTP peer bearer adapter (disabled if empty)")
	enableFriend := flag.Bool("friend", false, "enable the Friend role")
	enableLPN := flag.Bool("lpn", false, "enable the LPN role")
	flag.Parse()

	boot := config.DefaultBoot()
	if *bootFile != "" {
		loaded, err := config.Load(*bootFile)
		if err != nil {
			fmt.Printf("meshsim: failed to load boot config: %v\n", err)
			os.Exit(1)
		}
		boot = loaded
	}

	eg := &multiEgress{}
	sink := &stdoutSink{}

	n := node.New(boot, uint16(*primaryAddr), nilNVM{}, eg, sink, 64, node.Options{
		EnableFriend:       *enableFriend,
		EnableLPN:          *enableLPN,
		OwnReceiveWindowMS: 50,
		MinRecvDelayMS:     10,
		LPNMinQueueSizeLog: 2,
		LPNOwnCriteria:     0x09, // recvWinFactor=1, rssiFactor=0, minQueueSizeLog=1
	})

	if *tunName != "" {
		tb, err := newTunBearer(*tunName, 0, n.Ingress(), n.Lifecycle())
		if err != nil {
			fmt.Printf("meshsim: tun bearer failed: %v\n", err)
			os.Exit(1)
		}
		defer tb.Close()
		eg.add(0, tb)
	}

	if *sctpAddr != "" {
		sb, err := newSCTPBearer(*sctpAddr, 1, n.Ingress(), n.Lifecycle())
		if err != nil {
			fmt.Printf("meshsim: sctp bearer failed: %v\n", err)
			os.Exit(1)
		}
		defer sb.Close()
		eg.add(1, sb)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	n.Run(ctx)
}

// multiEgress fans bearer.Egress.Send out to whichever interface adapters
// are currently attached, mirroring the single-Send/many-ifaceID contract
// bearer.IfaceAll describes.
type multiEgress struct {
	ifaces map[int]bearer.Egress
}

func (e *multiEgress) add(ifaceID int, b bearer.Egress) {
	if e.ifaces == nil {
		e.ifaces = make(map[int]bearer.Egress)
	}
	e.ifaces[ifaceID] = b
}

func (e *multiEgress) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	if ifaceID == bearer.IfaceAll {
		var firstErr error
		for _, b := range e.ifaces {
			if err := b.Send(ifaceID, pdu, priority, hint); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	b, ok := e.ifaces[ifaceID]
	if !ok {
		return fmt.Errorf("meshsim: no bearer attached for iface %d", ifaceID)
	}
	return b.Send(ifaceID, pdu, priority, hint)
}

// stdoutSink logs every node event to stdout, the simple default sink
// this command wires at boot.
type stdoutSink struct{}

func (stdoutSink) Notify(e events.Event) {
	switch ev := e.(type) {
	case events.NodeStarted:
		fmt.Printf("node started: addr=0x%04x elements=%d\n", ev.PrimaryAddr, ev.ElementCount)
	case events.InterfaceAdded:
		fmt.Printf("interface added: %d\n", ev.IfaceID)
	case events.InterfaceRemoved:
		fmt.Printf("interface removed: %d\n", ev.IfaceID)
	case events.InterfaceClosed:
		fmt.Printf("interface closed: %d (%v)\n", ev.IfaceID, ev.Err)
	case events.AttentionChanged:
		fmt.Printf("attention changed: element=%d on=%v\n", ev.ElementID, ev.On)
	case events.IvUpdated:
		fmt.Printf("iv updated: %d\n", ev.IvIndex)
	case events.HeartbeatInfo:
		fmt.Printf("heartbeat: src=0x%04x dst=0x%04x hops=%d\n", ev.Src, ev.Dst, ev.Hops)
	case events.SeqExhausted:
		fmt.Printf("sequence number exhausted: element=0x%04x\n", ev.ElementAddr)
	case events.SendFailed:
		fmt.Printf("send failed: seq=%d err=%v\n", ev.Seq, ev.Err)
	case events.LpnFriendshipEstablished:
		fmt.Printf("friendship established: netkey=%d\n", ev.NetKeyIndex)
	case events.LpnFriendshipTerminated:
		fmt.Printf("friendship terminated: netkey=%d\n", ev.NetKeyIndex)
	default:
		fmt.Printf("event: %#v\n", ev)
	}
}

// nilNVM is the no-persistence NVM store used when meshsim is run as a
// throwaway demo rather than a provisioned node.
type nilNVM struct{}

func (nilNVM) Read(datasetID uint64) ([]byte, error)     { return nil, fmt.Errorf("meshsim: nvm disabled") }
func (nilNVM) Write(datasetID uint64, data []byte) error { return nil }
func (nilNVM) Erase(datasetID uint64) error              { return nil }
