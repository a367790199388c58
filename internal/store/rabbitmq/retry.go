package rabbitmq

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptsHeader = "x-attempts"

// Attempts is how many times d has already been retried.
func Attempts(d amqp.Delivery) int {
	switch v := d.Headers[attemptsHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// RetryDelay grows linearly with the attempt number, capped at one minute.
func RetryDelay(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 5 * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// PublishRetry parks a copy of d on the retry queue; it dead-letters back to the main
// queue once delay passes.
func PublishRetry(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int32(Attempts(d) + 1)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",
		RetryQueue(queue),
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Headers:      headers,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         d.Body,
			Timestamp:    time.Now(),
		},
	)
}
