package console

import (
	"bytes"
	"context"
	"recurd/internal/transport"
	logx "recurd/pkg/logx"
	"strings"
	"testing"
	"time"
)

func TestSendText(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	a := New(&buf, logx.Nop())
	a.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	ref, err := a.SendText(context.Background(), transport.Target{Address: "ops"}, "water plants", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 1 {
		t.Fatalf("message id = %d", ref.MessageID)
	}
	if _, err := a.SendText(context.Background(), transport.Target{ChatID: 42, ThreadID: 3}, "second", nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	want := "2025-03-01T09:00:00Z [ops] water plants\n2025-03-01T09:00:00Z [42/3] second\n"
	if buf.String() != want {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestSendTextCanceled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	a := New(&buf, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.SendText(ctx, transport.Target{}, "x", nil); err == nil {
		t.Fatal("expected error")
	}
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
