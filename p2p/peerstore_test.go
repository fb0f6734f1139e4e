package p2p

import (
	"testing"
	"time"
)

func TestPeerstorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1_700_000_000, 0)

	ps, err := OpenPeerstore(dir, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ps.Put(PeerRecord{NodeID: "0xaa", Addr: "10.0.0.1:4100", LastSeen: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.Put(PeerRecord{NodeID: "0xbb", Addr: "10.0.0.2:4100", LastSeen: now.Add(time.Second)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.SetBan("0xbb", now.Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ps, err = OpenPeerstore(dir, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ps.Close()

	rec, ok := ps.ByAddr("10.0.0.1:4100")
	if !ok || rec.NodeID != "0xaa" {
		t.Fatalf("expected record by address, got %+v", rec)
	}
	if !ps.IsBanned("0xbb", now) {
		t.Fatalf("ban should survive reopen")
	}
	known := ps.Known(now)
	if len(known) != 1 || known[0].NodeID != "0xaa" {
		t.Fatalf("banned peers must be excluded from Known, got %+v", known)
	}
}

func TestPeerstoreDialBackoff(t *testing.T) {
	ps, err := OpenPeerstore(t.TempDir(), time.Second, 4*time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ps.Close()
	now := time.Unix(1_700_000_000, 0)

	if err := ps.Put(PeerRecord{NodeID: "0xaa", Addr: "10.0.0.1:4100", LastSeen: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if next := ps.NextDialAt("10.0.0.1:4100", now); !next.Equal(now) {
		t.Fatalf("fresh peer should be dialable now, got %v", next)
	}
	for i := 0; i < 5; i++ {
		if err := ps.RecordFail("0xaa", now); err != nil {
			t.Fatalf("record fail: %v", err)
		}
	}
	if next := ps.NextDialAt("10.0.0.1:4100", now); !next.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("backoff should cap at max, got %v", next.Sub(now))
	}
	if err := ps.RecordSuccess("0xaa", now); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if next := ps.NextDialAt("10.0.0.1:4100", now); !next.Equal(now) {
		t.Fatalf("success should clear backoff, got %v", next.Sub(now))
	}
	if err := ps.RecordFail("0xmissing", now); err == nil {
		t.Fatalf("expected error for unknown peer")
	}
}
