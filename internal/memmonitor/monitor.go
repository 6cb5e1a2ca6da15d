// Package memmonitor periodically samples host memory usage and shrinks the
// UTXO and balance caches under pressure. It reads host-wide totals only;
// cgroup memory limits are not consulted.
package memmonitor

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/buckyos/btc-balance-history/internal/cache"
)

var log = loggo.GetLogger("memmonitor")

// Period is the sampling interval.
const Period = 10 * time.Second

// ShrinkNumerator/ShrinkDenominator express the fixed 1%-per-tick shrink as
// integer math: targetCount = count * 99 / 100.
const (
	ShrinkNumerator   = 99
	ShrinkDenominator = 100
)

// Monitor periodically checks memory pressure and shrinks caches.
type Monitor struct {
	maxMemoryPercent float64
	utxoCache        *cache.UtxoCache
	balanceCache     *cache.BalanceCache

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor bound to the given caches.
func New(maxMemoryPercent float64, utxoCache *cache.UtxoCache, balanceCache *cache.BalanceCache) *Monitor {
	return &Monitor{
		maxMemoryPercent: maxMemoryPercent,
		utxoCache:        utxoCache,
		balanceCache:     balanceCache,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Call Stop to end it.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warningf("memmonitor: reading memory stats: %v", err)
		return
	}
	usedPercent := float64(vm.Used) * 100 / float64(vm.Total)
	if usedPercent <= m.maxMemoryPercent {
		return
	}
	log.Infof("memmonitor: used %.1f%% > max %.1f%% (used=%s total=%s), shrinking caches",
		usedPercent, m.maxMemoryPercent, humanize.Bytes(vm.Used), humanize.Bytes(vm.Total))
	m.shrinkCaches()
}

func (m *Monitor) shrinkCaches() {
	utxoTarget := m.utxoCache.Count() * ShrinkNumerator / ShrinkDenominator
	m.utxoCache.Shrink(utxoTarget)

	balanceTarget := m.balanceCache.Count() * ShrinkNumerator / ShrinkDenominator
	m.balanceCache.Shrink(balanceTarget)
}

// OnSyncComplete clears the UTXO cache entirely, in addition to whatever
// strategy switch the caller separately performs.
func (m *Monitor) OnSyncComplete() {
	m.utxoCache.Clear()
}

// Stop ends the sampling goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}
