/*
sweeper.go - Background expiration sweeper

PURPOSE:
  Periodically runs the ledger expiration sweep so lots that pass their
  expiresAt get an "expired" write-off entry without waiting for the
  manual admin endpoint.

DESIGN:
  - Background goroutine with a configurable interval
  - Each tick calls Engine.ExpireLots, which is idempotent: a lot is
    written off at most once regardless of how often the sweep runs
  - Stop() waits for an in-flight sweep to finish

USAGE:
  sweeper := api.NewSweeper(engine, time.Hour)
  sweeper.Start()
  defer sweeper.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
)

// Sweeper periodically writes off expired credit lots.
type Sweeper struct {
	Engine   *ledger.Engine
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with the given interval.
func NewSweeper(engine *ledger.Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		Engine:   engine,
		Interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[Sweeper] Started with interval: %v", s.Interval)
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.Engine.ExpireLots(ctx, time.Now())
	if err != nil {
		log.Printf("[Sweeper] Sweep failed: %v", err)
		return
	}
	if swept > 0 {
		log.Printf("[Sweeper] Wrote off %d expired lots", swept)
	}
}
