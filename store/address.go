package store

// Reserved group addresses.
const (
	AddrUnassigned  uint16 = 0x0000
	AddrAllProxies  uint16 = 0xFFFC
	AddrAllFriends  uint16 = 0xFFFD
	AddrAllRelays   uint16 = 0xFFFE
	AddrAllNodes    uint16 = 0xFFFF
)

// AddressKind classifies a 16-bit mesh address by its top bits.
type AddressKind int

const (
	KindUnassigned AddressKind = iota
	KindUnicast
	KindVirtual
	KindGroup
)

// ClassifyAddress partitions a 16-bit address into unassigned, unicast,
// virtual, or group by its leading bits.
func ClassifyAddress(addr uint16) AddressKind {
	switch {
	case addr == 0x0000:
		return KindUnassigned
	case addr <= 0x7FFF:
		return KindUnicast
	case addr <= 0xBFFF:
		return KindVirtual
	default:
		return KindGroup
	}
}

// IsUnicast reports whether addr is a unicast element address.
func IsUnicast(addr uint16) bool { return ClassifyAddress(addr) == KindUnicast }

// IsGroupOrVirtual reports whether addr can be subscribed to (group or
// virtual).
func IsGroupOrVirtual(addr uint16) bool {
	k := ClassifyAddress(addr)
	return k == KindGroup || k == KindVirtual
}

// NonVirtualSubscription is one entry of the non-virtual subscription
// table: an address plus independent publish/subscribe reference counts
// so one address can be shared by many models.
type NonVirtualSubscription struct {
	Address         uint16
	PublishRefCount int
	SubscribeRefCount int
}

// VirtualSubscription is one entry of the virtual-address table: a
// label UUID, its derived 0x8000..0xBFFF address, and the same
// publish/subscribe reference counts.
type VirtualSubscription struct {
	LabelUUID       [16]byte
	DerivedAddress  uint16
	PublishRefCount int
	SubscribeRefCount int
}

// SubscriptionTable is the reference-counted address/virtual-address
// list backing a model's subscription state.
type SubscriptionTable struct {
	maxNonVirtual int
	maxVirtual    int
	nonVirtual    []NonVirtualSubscription
	virtual       []VirtualSubscription
}

// NewSubscriptionTable creates a table bounded by the boot configuration.
func NewSubscriptionTable(maxNonVirtual, maxVirtual int) *SubscriptionTable {
	return &SubscriptionTable{maxNonVirtual: maxNonVirtual, maxVirtual: maxVirtual}
}

// Subscribe increments the subscribe refcount for addr, creating the
// entry if capacity allows. Returns ErrCapacityExceeded if the table is
// full and addr is not already present.
func (t *SubscriptionTable) Subscribe(addr uint16) error {
	for i := range t.nonVirtual {
		if t.nonVirtual[i].Address == addr {
			t.nonVirtual[i].SubscribeRefCount++
			return nil
		}
	}
	if len(t.nonVirtual) >= t.maxNonVirtual {
		return ErrCapacityExceeded
	}
	t.nonVirtual = append(t.nonVirtual, NonVirtualSubscription{Address: addr, SubscribeRefCount: 1})
	return nil
}

// Unsubscribe decrements the subscribe refcount for addr, removing the
// entry once both refcounts reach zero. A no-op if addr is not present.
func (t *SubscriptionTable) Unsubscribe(addr uint16) {
	for i := range t.nonVirtual {
		if t.nonVirtual[i].Address == addr {
			if t.nonVirtual[i].SubscribeRefCount > 0 {
				t.nonVirtual[i].SubscribeRefCount--
			}
			t.gcNonVirtual(i)
			return
		}
	}
}

func (t *SubscriptionTable) gcNonVirtual(i int) {
	if t.nonVirtual[i].PublishRefCount == 0 && t.nonVirtual[i].SubscribeRefCount == 0 {
		t.nonVirtual = append(t.nonVirtual[:i], t.nonVirtual[i+1:]...)
	}
}

// IsSubscribed reports whether addr has at least one subscriber.
func (t *SubscriptionTable) IsSubscribed(addr uint16) bool {
	for _, e := range t.nonVirtual {
		if e.Address == addr && e.SubscribeRefCount > 0 {
			return true
		}
	}
	for _, e := range t.virtual {
		if e.DerivedAddress == addr && e.SubscribeRefCount > 0 {
			return true
		}
	}
	return false
}

// SubscribeVirtual increments the subscribe refcount for a label UUID,
// creating the entry (and its derived address) if capacity allows.
func (t *SubscriptionTable) SubscribeVirtual(label [16]byte, derived uint16) error {
	for i := range t.virtual {
		if t.virtual[i].LabelUUID == label {
			t.virtual[i].SubscribeRefCount++
			return nil
		}
	}
	if len(t.virtual) >= t.maxVirtual {
		return ErrCapacityExceeded
	}
	t.virtual = append(t.virtual, VirtualSubscription{LabelUUID: label, DerivedAddress: derived, SubscribeRefCount: 1})
	return nil
}

// LabelUUIDFor looks up the Label UUID behind a derived virtual address,
// used by the upper transport layer to recover the CCM additional
// authenticated data for an inbound virtual-destination PDU.
func (t *SubscriptionTable) LabelUUIDFor(derived uint16) ([16]byte, bool) {
	for _, e := range t.virtual {
		if e.DerivedAddress == derived && e.SubscribeRefCount > 0 {
			return e.LabelUUID, true
		}
	}
	return [16]byte{}, false
}

// All returns every currently-subscribed address (non-virtual and
// virtual).
func (t *SubscriptionTable) All() []uint16 {
	out := make([]uint16, 0, len(t.nonVirtual)+len(t.virtual))
	for _, e := range t.nonVirtual {
		if e.SubscribeRefCount > 0 {
			out = append(out, e.Address)
		}
	}
	for _, e := range t.virtual {
		if e.SubscribeRefCount > 0 {
			out = append(out, e.DerivedAddress)
		}
	}
	return out
}
