/*
sweeper.go - Background expiry detection

PURPOSE:
  Periodically scans lot records for lots whose expiry has passed while
  quantity remains, and records one audit entry per newly expired lot.
  Expiry is detected, never auto-disposed: disposition of expired stock is
  a QA decision made through the gateway.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Remembers lots already reported so each expiry is audited once
  - Start/Stop with a WaitGroup for clean shutdown

USAGE:
  sweeper := NewExpirySweeper(handler)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/types.go: Lot.EffectiveStatus (read-time classification)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/ledger"
)

// ExpirySweeper detects expired lots in the background.
type ExpirySweeper struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker   *time.Ticker
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	reported map[ledger.LotID]bool
}

func NewExpirySweeper(handler *Handler) *ExpirySweeper {
	return &ExpirySweeper{
		Handler:       handler,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
		reported:      make(map[ledger.LotID]bool),
	}
}

// Start begins the sweeper.
func (es *ExpirySweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)
	go es.run()

	log.Printf("[Sweeper] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the sweeper.
func (es *ExpirySweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (es *ExpirySweeper) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.Sweep(context.Background())

	for {
		select {
		case <-es.ticker.C:
			es.Sweep(context.Background())
		case <-es.stop:
			return
		}
	}
}

// Sweep performs one detection pass. Exported so tests and the dev server
// can trigger it directly.
func (es *ExpirySweeper) Sweep(ctx context.Context) {
	now := time.Now()

	lots, err := es.Handler.Backend.AllLots(ctx)
	if err != nil {
		log.Printf("[Sweeper] Failed to list lots: %v", err)
		return
	}

	for _, lot := range lots {
		if lot.EffectiveStatus(now) != ledger.StatusExpired {
			continue
		}
		es.mu.Lock()
		seen := es.reported[lot.ID]
		if !seen {
			es.reported[lot.ID] = true
		}
		es.mu.Unlock()
		if seen {
			continue
		}

		err := es.Handler.Backend.Append(ctx, ledger.AuditEntry{
			ID:        uuid.NewString(),
			Timestamp: now,
			Actor:     "system",
			Action:    ledger.AuditExpired,
			LotID:     lot.ID,
			Delta:     decimal.Zero,
			Reason:    "expiry passed with quantity remaining",
		})
		if err != nil {
			log.Printf("[Sweeper] Failed to record expiry for lot %s: %v", lot.ID, err)
			continue
		}
		log.Printf("[Sweeper] Lot %s expired with %s %s remaining",
			lot.ID, lot.QuantityRemaining, lot.Unit)
	}
}
