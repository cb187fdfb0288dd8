package store_test

import (
	"path/filepath"
	"testing"

	"meshrund/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshrund.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetMessage(t *testing.T) {
	s := openStore(t)
	m := store.Message{
		ID: "m1", Source: "alice", Destination: "bob", Title: "hi",
		Content: []byte("payload"), Timestamp: 100, Direction: "out", ReceiptStatus: "queued",
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	got, ok, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !ok {
		t.Fatalf("expected message to be found")
	}
	if got.Source != "alice" || got.ReceiptStatus != "queued" || string(got.Content) != "payload" {
		t.Fatalf("unexpected message: %+v", got)
	}

	if _, ok, err := s.GetMessage("missing"); err != nil || ok {
		t.Fatalf("expected a miss for an unknown id, got ok=%v err=%v", ok, err)
	}
}

func TestListMessagesPaging(t *testing.T) {
	s := openStore(t)
	for i, id := range []string{"a", "b", "c"} {
		m := store.Message{ID: id, Source: "x", Destination: "y", Timestamp: int64(100 + i), Direction: "out", ReceiptStatus: "queued"}
		if err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	page, err := s.ListMessages(2, "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	cursor := "102:c"
	rest, err := s.ListMessages(10, cursor)
	if err != nil {
		t.Fatalf("list messages with cursor: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != "b" || rest[1].ID != "a" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestUpdateReceiptStatus(t *testing.T) {
	s := openStore(t)
	m := store.Message{ID: "m1", Source: "a", Destination: "b", Timestamp: 1, Direction: "out", ReceiptStatus: "queued"}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateReceiptStatus("m1", "failed:timeout"); err != nil {
		t.Fatalf("update receipt status: %v", err)
	}
	got, _, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.ReceiptStatus != "failed:timeout" {
		t.Fatalf("got %q want %q", got.ReceiptStatus, "failed:timeout")
	}

	if err := s.UpdateReceiptStatus("missing", "delivered"); err == nil {
		t.Fatalf("expected an error updating an unknown message id")
	}
}

func TestCountMessageBuckets(t *testing.T) {
	s := openStore(t)
	statuses := []struct{ id, status string }{
		{"m1", "queued"}, {"m2", "queued"}, {"m3", "sending"}, {"m4", "delivered"},
	}
	for i, e := range statuses {
		if err := s.InsertMessage(store.Message{ID: e.id, Source: "a", Destination: "b", Timestamp: int64(i), Direction: "out", ReceiptStatus: e.status}); err != nil {
			t.Fatalf("insert %s: %v", e.id, err)
		}
	}

	buckets, err := s.CountMessageBuckets([]string{"queued"}, []string{"sending"})
	if err != nil {
		t.Fatalf("count message buckets: %v", err)
	}
	if buckets.Queued != 2 || buckets.InFlight != 1 {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}
}

func TestClearMessages(t *testing.T) {
	s := openStore(t)
	if err := s.InsertMessage(store.Message{ID: "m1", Source: "a", Destination: "b", Timestamp: 1, Direction: "out", ReceiptStatus: "queued"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.ClearMessages(); err != nil {
		t.Fatalf("clear messages: %v", err)
	}
	if _, ok, err := s.GetMessage("m1"); err != nil || ok {
		t.Fatalf("expected message gone after clear, ok=%v err=%v", ok, err)
	}
}

func TestInsertAnnounceUpsertBumpsSeenCount(t *testing.T) {
	s := openStore(t)
	a := store.Announce{ID: "p1", Peer: "peer-1", Timestamp: 100, DisplayName: "Alice", FirstSeen: 100}
	if err := s.InsertAnnounce(a); err != nil {
		t.Fatalf("insert announce: %v", err)
	}
	a.Timestamp = 200
	a.DisplayName = "Alice Renamed"
	if err := s.InsertAnnounce(a); err != nil {
		t.Fatalf("re-insert announce: %v", err)
	}

	rows, err := s.ListAnnounces(10, 0, "")
	if err != nil {
		t.Fatalf("list announces: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(rows))
	}
	if rows[0].SeenCount != 2 || rows[0].DisplayName != "Alice Renamed" || rows[0].Timestamp != 200 {
		t.Fatalf("unexpected announce after upsert: %+v", rows[0])
	}
}

func TestListAnnouncesPaging(t *testing.T) {
	s := openStore(t)
	for i, id := range []string{"p1", "p2", "p3"} {
		a := store.Announce{ID: id, Peer: id, Timestamp: int64(100 + i), FirstSeen: int64(100 + i)}
		if err := s.InsertAnnounce(a); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	page, err := s.ListAnnounces(2, 0, "")
	if err != nil {
		t.Fatalf("list announces: %v", err)
	}
	if len(page) != 2 || page[0].ID != "p3" || page[1].ID != "p2" {
		t.Fatalf("unexpected page: %+v", page)
	}

	rest, err := s.ListAnnounces(10, page[len(page)-1].Timestamp, page[len(page)-1].ID)
	if err != nil {
		t.Fatalf("list announces paged: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "p1" {
		t.Fatalf("unexpected remainder page: %+v", rest)
	}
}

func TestClearAnnounces(t *testing.T) {
	s := openStore(t)
	if err := s.InsertAnnounce(store.Announce{ID: "p1", Peer: "peer", Timestamp: 1, FirstSeen: 1}); err != nil {
		t.Fatalf("insert announce: %v", err)
	}
	if err := s.ClearAnnounces(); err != nil {
		t.Fatalf("clear announces: %v", err)
	}
	rows, err := s.ListAnnounces(10, 0, "")
	if err != nil {
		t.Fatalf("list announces: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no announces after clear, got %d", len(rows))
	}
}

func TestSDKDomainSnapshotRoundTrip(t *testing.T) {
	s := openStore(t)
	if _, ok, err := s.GetSDKDomainSnapshot(); err != nil || ok {
		t.Fatalf("expected no snapshot initially, ok=%v err=%v", ok, err)
	}

	if err := s.PutSDKDomainSnapshot([]byte("snapshot-v1")); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	blob, ok, err := s.GetSDKDomainSnapshot()
	if err != nil || !ok {
		t.Fatalf("expected snapshot present, ok=%v err=%v", ok, err)
	}
	if string(blob) != "snapshot-v1" {
		t.Fatalf("got %q want %q", blob, "snapshot-v1")
	}

	if err := s.PutSDKDomainSnapshot([]byte("snapshot-v2")); err != nil {
		t.Fatalf("overwrite snapshot: %v", err)
	}
	blob, _, err = s.GetSDKDomainSnapshot()
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if string(blob) != "snapshot-v2" {
		t.Fatalf("expected overwrite to replace the single snapshot row, got %q", blob)
	}
}
