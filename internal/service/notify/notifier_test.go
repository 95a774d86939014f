package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)
	if err := n.Notify(context.Background(), "u-1", domain.Notification{Kind: domain.NotificationReminder, OrderNo: "BK-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordingNotifier(t *testing.T) {
	n := &RecordingNotifier{}
	if err := n.Notify(context.Background(), "u-1", domain.Notification{OrderNo: "BK-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n.Err = errors.New("push down")
	if err := n.Notify(context.Background(), "u-2", domain.Notification{}); err == nil {
		t.Fatal("expected error")
	}
	sent := n.Sent()
	if len(sent) != 1 || sent[0].UserID != "u-1" {
		t.Fatalf("unexpected sent: %+v", sent)
	}
}
