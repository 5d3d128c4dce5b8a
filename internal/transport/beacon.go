package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Beacon is the teardown delivery path: SendBeacon queues the request and
// returns at once. Requests run detached from any caller context, so they
// outlive the component that issued them.
type Beacon struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewBeacon creates a beacon sender. maxBytes rejects oversized bodies up
// front; zero means no limit.
func NewBeacon(timeout time.Duration, maxBytes int, logger *log.Logger) *Beacon {
	if logger == nil {
		logger = log.Default()
	}
	return &Beacon{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// SendBeacon reports whether the body was accepted for delivery. Delivery
// failures are only logged.
func (b *Beacon) SendBeacon(url string, body any) bool {
	data, err := json.Marshal(body)
	if err != nil {
		b.logger.Printf("beacon: failed to marshal body: %v", err)
		return false
	}
	if b.maxBytes > 0 && len(data) > b.maxBytes {
		b.logger.Printf("beacon: body of %s exceeds limit of %s", humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(b.maxBytes)))
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := post(ctx, b.client, url, data); err != nil {
			b.logger.Printf("beacon: %v", err)
		}
	}()
	return true
}

// Wait blocks until queued beacons finish or ctx ends. Processes call it
// right before exiting.
func (b *Beacon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
