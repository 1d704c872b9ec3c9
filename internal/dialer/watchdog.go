package dialer

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcore/internal/calls"
	"dialcore/internal/database"
	"dialcore/internal/events"
)

// Watchdog sweeps the active-call index for legs the switch event stream
// lost track of: calls ringing past the campaign's ring timeout plus a
// grace period, and calls stuck in initiated because the originate response
// never produced a channel. It also retries durable writes that failed at
// hangup time.
type Watchdog struct {
	d               *deps
	interval        time.Duration
	ringGrace       time.Duration
	initiatedMaxAge time.Duration

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWatchdog(d *deps, interval, ringGrace, initiatedMaxAge time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if ringGrace <= 0 {
		ringGrace = 10 * time.Second
	}
	if initiatedMaxAge <= 0 {
		initiatedMaxAge = 60 * time.Second
	}
	return &Watchdog{
		d:               d,
		interval:        interval,
		ringGrace:       ringGrace,
		initiatedMaxAge: initiatedMaxAge,
		stopChan:        make(chan struct{}),
	}
}

func (w *Watchdog) Start() {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return
	}
	w.running = true
	w.wg.Add(1)
	w.runMu.Unlock()

	go w.run()
	log.Printf("[Watchdog] Started (interval=%s)", w.interval)
}

func (w *Watchdog) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	w.runMu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Printf("[Watchdog] Stopped")
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweepOnce(time.Now())
			w.retryDurable()
		}
	}
}

// sweepOnce reaps every stale active call.
func (w *Watchdog) sweepOnce(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := w.d.store.ActiveCalls(ctx)
	if err != nil {
		log.Printf("[Watchdog] Reading active calls failed: %v", err)
		return
	}

	campaigns := make(map[string]*database.Campaign)
	for _, call := range active {
		switch call.Status {
		case calls.StatusInitiated:
			if now.Sub(call.StartTime) > w.initiatedMaxAge {
				w.reap(ctx, call, "stuck in initiated")
			}
		case calls.StatusRinging:
			ringTimeout := 30 * time.Second
			if call.CampaignID != "" {
				camp, ok := campaigns[call.CampaignID]
				if !ok {
					camp, _ = w.d.leads.GetCampaign(ctx, call.CampaignID)
					campaigns[call.CampaignID] = camp
				}
				if camp != nil {
					ringTimeout = time.Duration(camp.Settings.RingTimeoutSec) * time.Second
				}
			}
			if now.Sub(call.StartTime) > ringTimeout+w.ringGrace {
				w.reap(ctx, call, "ringing past timeout")
			}
		}
	}
}

// reap force-fails one stale call. The hangup handler never fired for it, so
// the line and the lead settle here.
func (w *Watchdog) reap(ctx context.Context, call *calls.Call, reason string) {
	log.Printf("[Watchdog] Reaping call %s (%s, age=%s)", call.ID, reason, time.Since(call.StartTime).Round(time.Second))

	if call.SwitchUUID != "" {
		if err := w.d.sw.Hangup(ctx, call.SwitchUUID, "ORIGINATOR_CANCEL"); err != nil {
			log.Printf("[Watchdog] Hangup of %s failed: %v", call.SwitchUUID, err)
		}
	}

	ended, performed, err := w.d.store.EndCall(ctx, call.ID, calls.StatusFailed)
	if err != nil {
		log.Printf("[Watchdog] Ending call %s failed: %v", call.ID, err)
		return
	}
	if !performed {
		return
	}

	if call.CampaignID != "" {
		w.d.lines.Release(call.CampaignID)
	}
	if call.LeadID != "" {
		result := "stale_call"
		maxAttempts := 3
		if camp, err := w.d.leads.GetCampaign(ctx, call.CampaignID); err == nil {
			maxAttempts = camp.Settings.MaxAttempts
		}
		if err := w.d.leads.SettleLead(ctx, call.LeadID, database.LeadFailed, &result, maxAttempts); err != nil {
			log.Printf("[Watchdog] Settling lead %s failed: %v", call.LeadID, err)
		}
	}
	w.d.events.PublishCall(ctx, events.TopicCallsEnded, ended)
}

// retryDurable re-drives durable rows that failed to write at hangup time.
func (w *Watchdog) retryDurable() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := w.d.store.DurablePendingCalls(ctx)
	if err != nil {
		log.Printf("[Watchdog] Reading durable-pending set failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := w.d.store.RetryDurable(ctx, id); err != nil {
			log.Printf("[Watchdog] Durable retry for call %s failed: %v", id, err)
			continue
		}
		log.Printf("[Watchdog] Durable write recovered for call %s", id)
	}
}
