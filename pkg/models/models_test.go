package models

import "testing"

func TestSessionKeyEntryCovers(t *testing.T) {
	first, last := int64(10), int64(20)
	cases := []struct {
		name  string
		entry SessionKeyEntry
		id    int64
		want  bool
	}{
		{name: "open both", entry: SessionKeyEntry{}, id: 5, want: true},
		{name: "below first", entry: SessionKeyEntry{FirstMessageID: &first}, id: 9, want: false},
		{name: "first inclusive", entry: SessionKeyEntry{FirstMessageID: &first}, id: 10, want: true},
		{name: "last inclusive", entry: SessionKeyEntry{FirstMessageID: &first, LastMessageID: &last}, id: 20, want: true},
		{name: "after last", entry: SessionKeyEntry{FirstMessageID: &first, LastMessageID: &last}, id: 21, want: false},
	}
	for _, tc := range cases {
		if got := tc.entry.Covers(tc.id); got != tc.want {
			t.Fatalf("%s: Covers(%d)=%v want %v", tc.name, tc.id, got, tc.want)
		}
	}
}

func TestNormalizePairingStatus(t *testing.T) {
	if got := NormalizePairingStatus(" Scanned "); got != PairingScanned {
		t.Fatalf("unexpected status: %q", got)
	}
	if got := NormalizePairingStatus("bogus"); got != "" {
		t.Fatalf("expected empty status for unknown value, got %q", got)
	}
}
