package store

import (
	"testing"
	"time"
)

// TestPendingNotificationDue はDueを検証する。
func TestPendingNotificationDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		sendAt *time.Time
		want   bool
	}{
		{"予約なしは常に配信可能", nil, true},
		{"予約日時を過ぎていれば配信可能", &past, true},
		{"予約日時ちょうどは配信可能", &now, true},
		{"予約日時前は配信不可", &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := PendingNotification{SendAt: tt.sendAt}
			if got := n.Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestStatusValid はValidを検証する。
func TestStatusValid(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusSuccess, StatusPending, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%q.Valid() = false, want true", s)
		}
	}
	if Status("DELIVERED").Valid() {
		t.Error(`"DELIVERED".Valid() = true, want false`)
	}
}
