// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package config holds the compile-/boot-time configuration structure
// and the NVM dataset contract every layer persists through. Boot
// configuration is loaded from a JSON file with encoding/json +
// os.ReadFile.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Boot is the single structure enumerating every boot-time size limit,
// plus the element/model table.
type Boot struct {
	AddrListMaxSize        int `json:"addrListMaxSize"`
	VirtualAddrListMaxSize int `json:"virtualAddrListMaxSize"`
	AppKeyListSize         int `json:"appKeyListSize"`
	NetKeyListSize         int `json:"netKeyListSize"`
	NwkCacheL1Size         int `json:"nwkCacheL1Size"`
	NwkCacheL2Size         int `json:"nwkCacheL2Size"`
	MaxNumFriendships      int `json:"maxNumFriendships"`
	MaxFriendSubscrListSize int `json:"maxFriendSubscrListSize"`
	MaxNumFriendQueueEntries int `json:"maxNumFriendQueueEntries"`
	SarRxTranHistorySize   int `json:"sarRxTranHistorySize"`
	SarRxTranInfoSize      int `json:"sarRxTranInfoSize"`
	SarTxMaxTransactions   int `json:"sarTxMaxTransactions"`
	RpListSize             int `json:"rpListSize"`
	NwkOutputFilterSize    int `json:"nwkOutputFilterSize"`

	Elements []Element `json:"elements"`
}

// Element is one addressable element in the element/model table (§3).
type Element struct {
	Location        uint16 `json:"location"`
	SigModelIDs     []uint16 `json:"sigModelIds"`
	VendorModelIDs  []uint32 `json:"vendorModelIds"`
	SubscrListCap   int      `json:"subscrListCap"`
	AppKeyBindCap   int      `json:"appKeyBindCap"`
}

// DefaultBoot returns a reasonably small boot configuration suitable for
// tests and the cmd/meshsim demo; production deployments load their own
// JSON file via Load.
func DefaultBoot() *Boot {
	return &Boot{
		AddrListMaxSize:          32,
		VirtualAddrListMaxSize:   8,
		AppKeyListSize:           16,
		NetKeyListSize:           4,
		NwkCacheL1Size:           8,
		NwkCacheL2Size:           32,
		MaxNumFriendships:        2,
		MaxFriendSubscrListSize:  16,
		MaxNumFriendQueueEntries: 16,
		SarRxTranHistorySize:     8,
		SarRxTranInfoSize:        4,
		SarTxMaxTransactions:     4,
		RpListSize:               32,
		NwkOutputFilterSize:      8,
		Elements: []Element{
			{Location: 0x0000, SigModelIDs: []uint16{0x0000, 0x1000}, SubscrListCap: 4, AppKeyBindCap: 4},
		},
	}
}

// Load reads and unmarshals a Boot configuration from filename, mirroring
// NewNGAP's ioutil.ReadFile + json.Unmarshal boot sequence.
func Load(filename string) (*Boot, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", filename, err)
	}
	var b Boot
	if err := json.Unmarshal(bytes, &b); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", filename, err)
	}
	return &b, nil
}

// Dataset ids for the NVM datasets the core owns. Values are stable
// across releases; application-layer model state datasets must use ids
// outside this reserved range.
const (
	DatasetIVIndex uint64 = iota + 1
	DatasetSeqThresholds
	DatasetRPL
	DatasetNetKeys
	DatasetAppKeys
	DatasetDeviceKey
	DatasetPublication
	DatasetSubscriptions
	DatasetHeartbeatPub
	DatasetKeyRefreshPhase

	// DatasetReservedEnd is the first id an application model dataset may
	// use; ids below it are reserved for the core.
	DatasetReservedEnd
)

// NVMStore is the key/value byte-blob persistence collaborator; the core
// treats non-volatile storage purely as a key/value byte-blob store.
type NVMStore interface {
	Read(datasetID uint64) ([]byte, error)
	Write(datasetID uint64, data []byte) error
	Erase(datasetID uint64) error
}
