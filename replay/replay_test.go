package replay

import "testing"

func TestRPLMonotonicity(t *testing.T) {
	r := NewRPL(4)
	if v := r.CheckAndUpdate(0x0002, 1, 10); v != Accept {
		t.Fatalf("expected Accept for first SeqAuth, got %v", v)
	}
	if v := r.CheckAndUpdate(0x0002, 1, 10); v != Drop {
		t.Errorf("expected Drop for replayed SeqAuth, got %v", v)
	}
	if v := r.CheckAndUpdate(0x0002, 1, 9); v != Drop {
		t.Errorf("expected Drop for lower SeqAuth, got %v", v)
	}
	if v := r.CheckAndUpdate(0x0002, 1, 11); v != Accept {
		t.Errorf("expected Accept for higher SeqAuth, got %v", v)
	}
}

func TestRPLCapacityRefusesNewSrc(t *testing.T) {
	r := NewRPL(1)
	if v := r.CheckAndUpdate(0x0002, 1, 1); v != Accept {
		t.Fatalf("expected Accept filling capacity, got %v", v)
	}
	if v := r.CheckAndUpdate(0x0003, 1, 1); v != Drop {
		t.Errorf("expected Drop for new src once RPL is full, got %v", v)
	}
}

func TestRPLClearedByReset(t *testing.T) {
	r := NewRPL(4)
	r.CheckAndUpdate(0x0002, 1, 5)
	r.Clear()
	if v := r.CheckAndUpdate(0x0002, 1, 1); v != Accept {
		t.Errorf("expected Accept after Clear, got %v", v)
	}
}

func TestHistoryDuplicateOfCompletedTransaction(t *testing.T) {
	h := NewHistory(4)
	h.RecordCompleted(0x0002, 0, 0x0100, 3, false, SeqAuth{IVIndex: 1, Seq: 100})

	verdict, segN, obo := h.Lookup(0x0002, 0, 0x0100)
	if verdict != CurrentCompleted {
		t.Fatalf("expected CurrentCompleted, got %v", verdict)
	}
	if segN != 3 || obo != false {
		t.Errorf("expected segN=3 obo=false, got segN=%d obo=%v", segN, obo)
	}
}

func TestHistoryOutdatedSeqAuth(t *testing.T) {
	h := NewHistory(4)
	h.RecordCompleted(0x0002, 0, 0x0100, 3, false, SeqAuth{IVIndex: 1, Seq: 100})
	if !h.IsOutdated(0x0002, SeqAuth{IVIndex: 1, Seq: 50}) {
		t.Errorf("expected older SeqAuth to be outdated")
	}
	if h.IsOutdated(0x0002, SeqAuth{IVIndex: 1, Seq: 200}) {
		t.Errorf("did not expect newer SeqAuth to be outdated")
	}
}

func TestHistoryEvictsOldestWhenFull(t *testing.T) {
	h := NewHistory(2)
	h.RecordCompleted(0x0001, 0, 1, 0, false, SeqAuth{IVIndex: 1, Seq: 1})
	h.RecordCompleted(0x0002, 0, 2, 0, false, SeqAuth{IVIndex: 1, Seq: 2})
	h.RecordCompleted(0x0003, 0, 3, 0, false, SeqAuth{IVIndex: 1, Seq: 3})

	if v, _, _ := h.Lookup(0x0001, 0, 1); v != Unknown {
		t.Errorf("expected oldest entry evicted, got %v", v)
	}
	if v, _, _ := h.Lookup(0x0003, 0, 3); v != CurrentCompleted {
		t.Errorf("expected newest entry retained")
	}
}
