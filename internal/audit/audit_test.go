package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAuditWritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	al.PairingSuccess("10.0.0.2:50000")
	al.AckMismatch("10.0.0.3:50001", "key delivery")
	al.CertificateCreated("ABC", true)
	al.RendezvousRejected("relay:443", 2)
	al.Close()

	events := readEvents(t, path)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	want := []string{EventPairingSuccess, EventAckMismatch, EventCertificateRegenerate, EventRendezvousRejected}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.EventType, want[i])
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
	if events[1].Severity != "warning" {
		t.Errorf("ack mismatch severity = %s", events[1].Severity)
	}
}

func TestAuditRateLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		al.AckMismatch("peer", "flood")
	}
	al.Close()

	if n := len(readEvents(t, path)); n > 120 {
		t.Fatalf("%d events written within one minute", n)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var al *Logger
	al.PairingSuccess("peer")
	al.CertificateCreated("X", false)
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}
}
