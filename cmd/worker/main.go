package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/coco/internal/archive"
	"github.com/suPer8Hu/coco/internal/config"
	"github.com/suPer8Hu/coco/internal/db"
	"github.com/suPer8Hu/coco/internal/store/rabbitmq"
)

const maxAttempts = 5

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()
	if !cfg.ArchiveEnabled() {
		log.Fatalf("RABBIT_URL is required for the archive worker")
	}

	gdb := db.Connect(cfg.DBDSN)
	repo := archive.NewRepo(gdb)
	if err := repo.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency(cfg.WorkerConcurrency)

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("archive worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// retries are published on the consuming channel
	var pubMu sync.Mutex
	retry := func(d amqp.Delivery, delay time.Duration) error {
		pubMu.Lock()
		defer pubMu.Unlock()
		return rabbitmq.PublishRetry(context.Background(), ch, cfg.RabbitQueue, d, delay)
	}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, repo, d, retry)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery archives one report. Undecodable messages go straight to the DLQ;
// storage failures are retried through the retry queue up to maxAttempts.
func handleDelivery(ctx context.Context, workerID int, repo *archive.Repo, d amqp.Delivery, retry func(amqp.Delivery, time.Duration) error) {
	start := time.Now()
	rep, created, err := repo.Store(ctx, d.Body)
	if err == nil {
		if created {
			log.Printf("worker=%d archived session=%s report=%s utterances=%d cost=%s", workerID, rep.SessionID, rep.ID, rep.UtteranceCount, time.Since(start))
		} else {
			log.Printf("worker=%d duplicate report session=%s skipped", workerID, rep.SessionID)
		}
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed message=%s err=%v", workerID, d.MessageId, err)
		}
		return
	}

	if errors.Is(err, archive.ErrBadMessage) {
		log.Printf("worker=%d bad message=%s: %v", workerID, d.MessageId, err)
		_ = d.Nack(false, false)
		return
	}

	attempt := rabbitmq.Attempts(d)
	if attempt+1 >= maxAttempts {
		log.Printf("worker=%d giving up message=%s attempts=%d err=%v", workerID, d.MessageId, attempt+1, err)
		_ = d.Nack(false, false)
		return
	}

	delay := rabbitmq.RetryDelay(attempt)
	if rerr := retry(d, delay); rerr != nil {
		log.Printf("worker=%d retry publish failed message=%s err=%v", workerID, d.MessageId, rerr)
		_ = d.Nack(false, true)
		return
	}
	log.Printf("worker=%d store failed message=%s attempt=%d retry_in=%s err=%v", workerID, d.MessageId, attempt+1, delay, err)
	_ = d.Ack(false)
}
