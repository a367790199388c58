package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestQueueNames(t *testing.T) {
	if RetryQueue("coach_reports") != "coach_reports.retry" || DeadLetterQueue("coach_reports") != "coach_reports.dlq" {
		t.Fatalf("unexpected queue names")
	}
}

func TestAttempts(t *testing.T) {
	cases := []struct {
		headers amqp.Table
		want    int
	}{
		{nil, 0},
		{amqp.Table{"x-attempts": int32(2)}, 2},
		{amqp.Table{"x-attempts": int64(3)}, 3},
		{amqp.Table{"x-attempts": "4"}, 4},
		{amqp.Table{"x-attempts": 1.5}, 0},
	}
	for _, tc := range cases {
		if got := Attempts(amqp.Delivery{Headers: tc.headers}); got != tc.want {
			t.Fatalf("Attempts(%v)=%d, want %d", tc.headers, got, tc.want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	if RetryDelay(0) != 5*time.Second || RetryDelay(1) != 10*time.Second {
		t.Fatalf("unexpected delays %v %v", RetryDelay(0), RetryDelay(1))
	}
	if RetryDelay(100) != time.Minute {
		t.Fatalf("delay not capped: %v", RetryDelay(100))
	}
}
