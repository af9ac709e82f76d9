package ledger_test

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"veritrust/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.LevelDB {
	t.Helper()
	l, err := ledger.OpenLevelDB(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRegisterValidatorOnce(t *testing.T) {
	l := newTestLedger(t)
	if err := l.RegisterValidator("0xaa"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.RegisterValidator("0xaa"); !errors.Is(err, ledger.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	info, err := l.GetValidator("0xaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !info.Active || info.Reputation != 0 {
		t.Fatalf("fresh validator: %+v", info)
	}
}

func TestGetUnknownValidator(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.GetValidator("0xghost"); !errors.Is(err, ledger.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRecordSettlementAppliesDeltas(t *testing.T) {
	l := newTestLedger(t)
	for _, w := range []string{"0xaa", "0xbb", "0xcc"} {
		if err := l.RegisterValidator(w); err != nil {
			t.Fatalf("register %s: %v", w, err)
		}
	}
	deltas, err := l.RecordSettlement(ledger.Settlement{
		TaskID:  "task-1",
		Outcome: true,
		Proofs: []ledger.ProofRecord{
			{TaskID: "task-1", Wallet: "0xaa", Outcome: true, Delta: 10},
			{TaskID: "task-1", Wallet: "0xbb", Outcome: true, Delta: 10},
			{TaskID: "task-1", Wallet: "0xcc", Outcome: false, Delta: -10},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := map[string]int{"0xaa": 10, "0xbb": 10, "0xcc": -10}
	if !reflect.DeepEqual(deltas, want) {
		t.Fatalf("deltas %v, want %v", deltas, want)
	}
	aa, _ := l.GetValidator("0xaa")
	if aa.Reputation != 10 || aa.TotalCompleted != 1 {
		t.Fatalf("0xaa after settlement: %+v", aa)
	}
	// 0xcc started at 0; the penalty floors at 0, never negative.
	cc, _ := l.GetValidator("0xcc")
	if cc.Reputation != 0 {
		t.Fatalf("0xcc reputation %d, want floor at 0", cc.Reputation)
	}
	if cc.TotalCompleted != 1 {
		t.Fatalf("0xcc total completed %d, want 1", cc.TotalCompleted)
	}
}

func TestRecordSettlementIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	for _, w := range []string{"0xaa", "0xbb"} {
		if err := l.RegisterValidator(w); err != nil {
			t.Fatalf("register %s: %v", w, err)
		}
	}
	s := ledger.Settlement{
		TaskID:  "task-1",
		Outcome: true,
		Proofs: []ledger.ProofRecord{
			{TaskID: "task-1", Wallet: "0xaa", Outcome: true, Delta: 10},
			{TaskID: "task-1", Wallet: "0xbb", Outcome: true, Delta: 10},
		},
	}
	first, err := l.RecordSettlement(s)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	second, err := l.RecordSettlement(s)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("retried settlement returned different deltas: %v vs %v", first, second)
	}
	aa, _ := l.GetValidator("0xaa")
	if aa.Reputation != 10 {
		t.Fatalf("delta applied twice: reputation %d, want 10", aa.Reputation)
	}
	if aa.TotalCompleted != 1 {
		t.Fatalf("completion counted twice: %d", aa.TotalCompleted)
	}
	proofs, err := l.Proofs("task-1")
	if err != nil {
		t.Fatalf("proofs: %v", err)
	}
	if len(proofs) != 2 {
		t.Fatalf("expected 2 proofs, got %d", len(proofs))
	}
}

func TestProofsOrderedPerTask(t *testing.T) {
	l := newTestLedger(t)
	for _, w := range []string{"0xaa", "0xbb", "0xcc"} {
		if err := l.RegisterValidator(w); err != nil {
			t.Fatalf("register %s: %v", w, err)
		}
	}
	_, err := l.RecordSettlement(ledger.Settlement{
		TaskID: "task-1",
		Proofs: []ledger.ProofRecord{
			{TaskID: "task-1", Wallet: "0xaa", Delta: 10},
			{TaskID: "task-1", Wallet: "0xbb", Delta: 10},
			{TaskID: "task-1", Wallet: "0xcc", Delta: -10},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	proofs, err := l.Proofs("task-1")
	if err != nil {
		t.Fatalf("proofs: %v", err)
	}
	wallets := []string{}
	for _, p := range proofs {
		wallets = append(wallets, p.Wallet)
	}
	if !reflect.DeepEqual(wallets, []string{"0xaa", "0xbb", "0xcc"}) {
		t.Fatalf("proofs out of order: %v", wallets)
	}
	other, err := l.Proofs("task-2")
	if err != nil {
		t.Fatalf("proofs for unsettled task: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no proofs for unknown task, got %d", len(other))
	}
}

func TestRecentEventsNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	if err := l.RegisterValidator("0xaa"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.RegisterValidator("0xbb"); err != nil {
		t.Fatalf("register: %v", err)
	}
	events, err := l.RecentEvents(10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq <= events[1].Seq {
		t.Fatalf("events not newest first: %v", events)
	}
	if events[0].Name != "ValidatorRegistered" {
		t.Fatalf("unexpected event name %s", events[0].Name)
	}
	limited, err := l.RecentEvents(1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(limited) != 1 || limited[0].Seq != events[0].Seq {
		t.Fatalf("limit not honored: %v", limited)
	}
}

func TestSettlementRejectsUnregisteredValidator(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.RecordSettlement(ledger.Settlement{
		TaskID: "task-1",
		Proofs: []ledger.ProofRecord{{TaskID: "task-1", Wallet: "0xghost", Delta: 10}},
	})
	if !errors.Is(err, ledger.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
