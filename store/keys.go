package store

// KeyRefreshPhase is the per-NetKey key-refresh state.
type KeyRefreshPhase int

const (
	PhaseNone KeyRefreshPhase = iota
	PhasePhase1
	PhasePhase2
	PhasePhase3
)

// NetKeyEntry holds a subnet's NetKey material across a key-refresh
// cycle: an "old" slot always valid, and a "new" slot populated by
// SetNetKeyNewMaterial, which must happen before phase 1 can be entered.
type NetKeyEntry struct {
	Index    uint16 // 12-bit
	Old      [16]byte
	New      [16]byte
	HasNew   bool
	Phase    KeyRefreshPhase
}

// AppKeyEntry holds an AppKey, bound to exactly one NetKey index.
type AppKeyEntry struct {
	Index        uint16 // 12-bit
	BoundNetKey  uint16
	Old          [16]byte
	New          [16]byte
	HasNew       bool
}

// SetKeyRefreshPhase validates and applies a phase transition for the
// NetKey at index:
//   - phase1 may be entered only from none (new material distributed)
//   - phase2 may be entered only from phase1
//   - phase3 (commit) may be entered from phase1 or phase2, and erases
//     the old material
//   - setting phase none directly is never valid; it is reached only by
//     completing phase3
func (s *Store) SetKeyRefreshPhase(netKeyIndex uint16, phase KeyRefreshPhase) error {
	nk := s.findNetKey(netKeyIndex)
	if nk == nil {
		return ErrUnknownIndex
	}
	switch phase {
	case PhasePhase1:
		if nk.Phase != PhaseNone {
			return ErrStateViolation
		}
		if !nk.HasNew {
			return ErrStateViolation
		}
		nk.Phase = PhasePhase1
	case PhasePhase2:
		if nk.Phase != PhasePhase1 {
			return ErrStateViolation
		}
		nk.Phase = PhasePhase2
	case PhasePhase3:
		if nk.Phase != PhasePhase1 && nk.Phase != PhasePhase2 {
			return ErrStateViolation
		}
		nk.Old = nk.New
		nk.New = [16]byte{}
		nk.HasNew = false
		nk.Phase = PhaseNone
		for i := range s.appKeys {
			ak := &s.appKeys[i]
			if ak.BoundNetKey != netKeyIndex || !ak.HasNew {
				continue
			}
			ak.Old = ak.New
			ak.New = [16]byte{}
			ak.HasNew = false
		}
	default:
		return ErrStateViolation
	}
	return nil
}

// SetNetKeyNewMaterial stores the "new" key-refresh material for netKeyIndex;
// this is the act of "distributing new material" that SetKeyRefreshPhase's
// phase1 transition requires to have already happened.
func (s *Store) SetNetKeyNewMaterial(netKeyIndex uint16, material [16]byte) error {
	nk := s.findNetKey(netKeyIndex)
	if nk == nil {
		return ErrUnknownIndex
	}
	if nk.Phase != PhaseNone {
		return ErrStateViolation
	}
	nk.New = material
	nk.HasNew = true
	return nil
}

// AddNetKey inserts a new NetKey entry, failing with ErrCapacityExceeded
// if the boot-configured NetKeyListSize is already reached.
func (s *Store) AddNetKey(index uint16, material [16]byte) error {
	if s.findNetKey(index) != nil {
		return ErrStateViolation
	}
	if len(s.netKeys) >= s.boot.NetKeyListSize {
		return ErrCapacityExceeded
	}
	s.netKeys = append(s.netKeys, NetKeyEntry{Index: index, Old: material})
	return nil
}

// DeleteNetKey removes a NetKey and every AppKey bound to it. Any Friend
// or LPN context keyed off this NetKey is the caller's responsibility to
// tear down first.
func (s *Store) DeleteNetKey(index uint16) error {
	for i, nk := range s.netKeys {
		if nk.Index == index {
			s.netKeys = append(s.netKeys[:i], s.netKeys[i+1:]...)
			kept := s.appKeys[:0]
			for _, ak := range s.appKeys {
				if ak.BoundNetKey != index {
					kept = append(kept, ak)
				}
			}
			s.appKeys = kept
			return nil
		}
	}
	return ErrUnknownIndex
}

func (s *Store) findNetKey(index uint16) *NetKeyEntry {
	for i := range s.netKeys {
		if s.netKeys[i].Index == index {
			return &s.netKeys[i]
		}
	}
	return nil
}

// NetKey returns a copy of the NetKey entry at index.
func (s *Store) NetKey(index uint16) (NetKeyEntry, error) {
	nk := s.findNetKey(index)
	if nk == nil {
		return NetKeyEntry{}, ErrUnknownIndex
	}
	return *nk, nil
}

// NetKeyIndexes returns every configured NetKey index, used by the
// network layer's "for each candidate NetKey" RX loop.
func (s *Store) NetKeyIndexes() []uint16 {
	out := make([]uint16, len(s.netKeys))
	for i, nk := range s.netKeys {
		out[i] = nk.Index
	}
	return out
}

// SetAppKeyNewMaterial stores the "new" key-refresh material for an
// AppKey, symmetric to SetNetKeyNewMaterial. An AppKey carries no phase
// of its own — it rides on its bound NetKey's phase — so new material
// may only be distributed while that NetKey is still at PhaseNone, the
// same point at which the NetKey's own new material is distributed.
func (s *Store) SetAppKeyNewMaterial(appKeyIndex uint16, material [16]byte) error {
	ak := s.findAppKey(appKeyIndex)
	if ak == nil {
		return ErrUnknownIndex
	}
	nk := s.findNetKey(ak.BoundNetKey)
	if nk == nil {
		return ErrUnknownIndex
	}
	if nk.Phase != PhaseNone {
		return ErrStateViolation
	}
	ak.New = material
	ak.HasNew = true
	return nil
}

// AddAppKey binds a new AppKey to netKeyIndex.
func (s *Store) AddAppKey(index, netKeyIndex uint16, material [16]byte) error {
	if s.findNetKey(netKeyIndex) == nil {
		return ErrUnknownIndex
	}
	if s.findAppKey(index) != nil {
		return ErrStateViolation
	}
	if len(s.appKeys) >= s.boot.AppKeyListSize {
		return ErrCapacityExceeded
	}
	s.appKeys = append(s.appKeys, AppKeyEntry{Index: index, BoundNetKey: netKeyIndex, Old: material})
	return nil
}

func (s *Store) findAppKey(index uint16) *AppKeyEntry {
	for i := range s.appKeys {
		if s.appKeys[i].Index == index {
			return &s.appKeys[i]
		}
	}
	return nil
}

// AppKey returns a copy of the AppKey entry at index.
func (s *Store) AppKey(index uint16) (AppKeyEntry, error) {
	ak := s.findAppKey(index)
	if ak == nil {
		return AppKeyEntry{}, ErrUnknownIndex
	}
	return *ak, nil
}

// AppKeyIndexesFor returns every AppKey index bound to netKeyIndex, used
// by the upper transport layer's AID-matching RX candidate loop.
func (s *Store) AppKeyIndexesFor(netKeyIndex uint16) []uint16 {
	var out []uint16
	for _, ak := range s.appKeys {
		if ak.BoundNetKey == netKeyIndex {
			out = append(out, ak.Index)
		}
	}
	return out
}

// DeviceKey returns this node's single DeviceKey.
func (s *Store) DeviceKey() [16]byte { return s.deviceKey }

// SetDeviceKey sets this node's DeviceKey (provisioning handoff).
func (s *Store) SetDeviceKey(k [16]byte) { s.deviceKey = k }
