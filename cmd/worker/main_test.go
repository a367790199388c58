package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/coco/internal/archive"
	"github.com/suPer8Hu/coco/internal/db"
	"github.com/suPer8Hu/coco/internal/feedback"
	"github.com/suPer8Hu/coco/internal/session"
)

type recordingAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAck) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *recordingAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}
func (a *recordingAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func newRepo(t *testing.T, name string) *archive.Repo {
	t.Helper()
	gdb, err := db.Open("sqlite:file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	repo := archive.NewRepo(gdb)
	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func reportBody(t *testing.T) []byte {
	t.Helper()
	sess := &session.Session{ID: "sess-1", UserName: "Alex", Context: "c", Goal: "g", CreatedAt: time.Now().UTC()}
	rep := &feedback.Report{
		Stars:          []string{"a", "b"},
		Wish:           "w",
		Takeaways:      []string{"x", "y", "z"},
		SummaryBullets: []string{"1", "2", "3"},
		Transcript:     []session.Utterance{{Speaker: session.SpeakerUser, Text: "hi", Timestamp: time.Now().UTC()}},
	}
	body, err := json.Marshal(archive.NewMessage(sess, rep))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func noRetry(t *testing.T) func(amqp.Delivery, time.Duration) error {
	return func(amqp.Delivery, time.Duration) error {
		t.Fatalf("unexpected retry")
		return nil
	}
}

func TestHandleDelivery_StoresAndAcks(t *testing.T) {
	repo := newRepo(t, "worker_store")
	ack := &recordingAck{}

	handleDelivery(context.Background(), 0, repo, amqp.Delivery{Acknowledger: ack, Body: reportBody(t)}, noRetry(t))

	if ack.acks != 1 || ack.nacks != 0 {
		t.Fatalf("acks=%d nacks=%d", ack.acks, ack.nacks)
	}
	if _, err := repo.GetBySessionID(context.Background(), "sess-1"); err != nil {
		t.Fatalf("report not archived: %v", err)
	}

	// redelivery is acked without a second row
	ack2 := &recordingAck{}
	handleDelivery(context.Background(), 0, repo, amqp.Delivery{Acknowledger: ack2, Body: reportBody(t)}, noRetry(t))
	if ack2.acks != 1 {
		t.Fatalf("duplicate not acked")
	}
}

func TestHandleDelivery_BadMessageDeadLettered(t *testing.T) {
	repo := newRepo(t, "worker_bad")
	ack := &recordingAck{}

	handleDelivery(context.Background(), 0, repo, amqp.Delivery{Acknowledger: ack, Body: []byte("{")}, noRetry(t))

	if ack.nacks != 1 || ack.requeue {
		t.Fatalf("bad message should be nacked without requeue: %+v", ack)
	}
}

func TestHandleDelivery_StorageFailureRetried(t *testing.T) {
	gdb, err := db.Open("sqlite:file:worker_fail?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// no migration: every insert fails
	repo := archive.NewRepo(gdb)

	var delays []time.Duration
	retry := func(d amqp.Delivery, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}

	ack := &recordingAck{}
	handleDelivery(context.Background(), 0, repo, amqp.Delivery{Acknowledger: ack, Body: reportBody(t)}, retry)
	if len(delays) != 1 || ack.acks != 1 {
		t.Fatalf("first failure should be parked for retry: delays=%v ack=%+v", delays, ack)
	}

	last := &recordingAck{}
	d := amqp.Delivery{Acknowledger: last, Body: reportBody(t), Headers: amqp.Table{"x-attempts": int32(maxAttempts - 1)}}
	handleDelivery(context.Background(), 0, repo, d, retry)
	if last.nacks != 1 || last.requeue || len(delays) != 1 {
		t.Fatalf("exhausted message should be dead-lettered: %+v delays=%v", last, delays)
	}

	failing := &recordingAck{}
	handleDelivery(context.Background(), 0, repo, amqp.Delivery{Acknowledger: failing, Body: reportBody(t)}, func(amqp.Delivery, time.Duration) error {
		return errors.New("broker gone")
	})
	if failing.nacks != 1 || !failing.requeue {
		t.Fatalf("retry publish failure should requeue: %+v", failing)
	}
}

func TestWorkerConcurrency(t *testing.T) {
	if workerConcurrency(0) != 2 || workerConcurrency(8) != 8 || workerConcurrency(500) != 50 {
		t.Fatalf("unexpected clamping")
	}
}
