package dialer

import (
	"log"
	"sync"
	"sync/atomic"
)

// LinePool caps concurrent outbound lines globally and per campaign so one
// runaway campaign cannot starve the switch.
type LinePool struct {
	maxGlobal      int32
	maxPerCampaign int32
	activeGlobal   int32
	perCampaign    sync.Map // campaignID -> *int32
}

// NewLinePool creates a pool with the given limits. Zero or negative limits
// mean unlimited.
func NewLinePool(maxGlobal, maxPerCampaign int) *LinePool {
	return &LinePool{
		maxGlobal:      int32(maxGlobal),
		maxPerCampaign: int32(maxPerCampaign),
	}
}

// Acquire claims one line for the campaign. Returns false when either limit
// would be exceeded; the caller skips the lead and retries next tick.
func (p *LinePool) Acquire(campaignID string) bool {
	max := atomic.LoadInt32(&p.maxGlobal)
	for max > 0 {
		current := atomic.LoadInt32(&p.activeGlobal)
		if current >= max {
			log.Printf("[LinePool] Global line limit reached: %d/%d", current, max)
			return false
		}
		if atomic.CompareAndSwapInt32(&p.activeGlobal, current, current+1) {
			break
		}
	}
	if max <= 0 {
		atomic.AddInt32(&p.activeGlobal, 1)
	}

	counterI, _ := p.perCampaign.LoadOrStore(campaignID, new(int32))
	counter := counterI.(*int32)
	maxCamp := atomic.LoadInt32(&p.maxPerCampaign)
	for maxCamp > 0 {
		current := atomic.LoadInt32(counter)
		if current >= maxCamp {
			atomic.AddInt32(&p.activeGlobal, -1)
			log.Printf("[LinePool] Campaign %s line limit reached: %d/%d", campaignID, current, maxCamp)
			return false
		}
		if atomic.CompareAndSwapInt32(counter, current, current+1) {
			return true
		}
	}
	atomic.AddInt32(counter, 1)
	return true
}

// Release returns one line for the campaign.
func (p *LinePool) Release(campaignID string) {
	if n := atomic.AddInt32(&p.activeGlobal, -1); n < 0 {
		atomic.StoreInt32(&p.activeGlobal, 0)
		log.Printf("[LinePool] WARNING: global counter went negative, reset to 0")
	}
	if counterI, ok := p.perCampaign.Load(campaignID); ok {
		counter := counterI.(*int32)
		if n := atomic.AddInt32(counter, -1); n < 0 {
			atomic.StoreInt32(counter, 0)
			log.Printf("[LinePool] WARNING: campaign %s counter went negative, reset to 0", campaignID)
		}
	}
}

// Active returns the number of lines in use globally.
func (p *LinePool) Active() int {
	return int(atomic.LoadInt32(&p.activeGlobal))
}

// ActiveForCampaign returns the number of lines one campaign holds.
func (p *LinePool) ActiveForCampaign(campaignID string) int {
	if counterI, ok := p.perCampaign.Load(campaignID); ok {
		return int(atomic.LoadInt32(counterI.(*int32)))
	}
	return 0
}
