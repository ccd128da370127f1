package alerting

import (
	"context"
	"testing"
	"time"

	xerrors "AgentMarket-Relay/internal/errors"
)

type captureNotifier struct {
	events []Event
}

func (n *captureNotifier) Channel() Channel { return ChannelWebhook }

func (n *captureNotifier) Notify(ctx context.Context, event Event) error {
	n.events = append(n.events, event)
	return nil
}

func TestFanoutAcceptsLogNotifier(t *testing.T) {
	capture := &captureNotifier{}
	dispatcher := NewFanout(&LogNotifier{}, capture, nil)

	event := Event{
		Code:       xerrors.CodeQueueFailure,
		Message:    "queue unreachable",
		Severity:   xerrors.SeverityError,
		RequestID:  "req-alert-1",
		Attempts:   3,
		MaxRetries: 5,
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify 失败: %v", err)
	}
	if len(capture.events) != 1 {
		t.Fatalf("应收到 1 条告警，实际 %d", len(capture.events))
	}
	if capture.events[0].RequestID != "req-alert-1" {
		t.Fatalf("告警内容不正确: %+v", capture.events[0])
	}
}

func TestFanoutNilDispatcherIsNoop(t *testing.T) {
	var dispatcher *FanoutDispatcher
	if err := dispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("空派发器应静默返回: %v", err)
	}
}
