package gameserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/protocol"
)

// Metrics counts broadcast activity. All fields are updated atomically.
type Metrics struct {
	Ticks        int64
	SkippedTicks int64
	FramesSent   int64
	SendFailures int64
	EncodeErrors int64
	TotalTickNs  int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Ticks        int64         `json:"ticks"`
	SkippedTicks int64         `json:"skipped_ticks"`
	FramesSent   int64         `json:"frames_sent"`
	SendFailures int64         `json:"send_failures"`
	EncodeErrors int64         `json:"encode_errors"`
	AvgTick      time.Duration `json:"avg_tick_ns"`
}

func (m *Metrics) observeTick(d time.Duration) {
	atomic.AddInt64(&m.Ticks, 1)
	atomic.AddInt64(&m.TotalTickNs, d.Nanoseconds())
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	ticks := atomic.LoadInt64(&m.Ticks)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avg time.Duration
	if ticks > 0 {
		avg = time.Duration(total / ticks)
	}
	return MetricsSnapshot{
		Ticks:        ticks,
		SkippedTicks: atomic.LoadInt64(&m.SkippedTicks),
		FramesSent:   atomic.LoadInt64(&m.FramesSent),
		SendFailures: atomic.LoadInt64(&m.SendFailures),
		EncodeErrors: atomic.LoadInt64(&m.EncodeErrors),
		AvgTick:      avg,
	}
}

// BroadcastLoop pushes the full presence snapshot to every connection on a
// fixed interval, independent of how many moves arrived in between.
//
// Invariant: at most one Tick runs at a time.
type BroadcastLoop struct {
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger
	metrics  Metrics

	tickMu sync.Mutex
	seq    uint64
}

// NewBroadcastLoop returns a loop that broadcasts hub's presence every interval.
//
// Precondition: interval must be > 0.
func NewBroadcastLoop(hub *Hub, interval time.Duration, logger *zap.Logger) *BroadcastLoop {
	if interval <= 0 {
		panic("gameserver.NewBroadcastLoop: interval must be > 0")
	}
	return &BroadcastLoop{
		hub:      hub,
		interval: interval,
		logger:   logger,
	}
}

// Metrics returns the loop's counters.
func (b *BroadcastLoop) Metrics() *Metrics { return &b.metrics }

// Tick encodes one snapshot and sends it to every connection.
//
// Postcondition: Returns false if the tick was skipped because no connection is
// registered or the snapshot could not be encoded.
func (b *BroadcastLoop) Tick() bool {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	if b.hub.ConnectionCount() == 0 {
		atomic.AddInt64(&b.metrics.SkippedTicks, 1)
		return false
	}
	start := time.Now()
	b.seq++
	frame, err := encodeFrame(protocol.TypePresenceSnapshot, "", protocol.PresenceSnapshot{
		Tick:      b.seq,
		Presences: b.hub.presence.Snapshot(),
	})
	if err != nil {
		atomic.AddInt64(&b.metrics.EncodeErrors, 1)
		b.logger.Error("encoding presence snapshot", zap.Error(err))
		return false
	}
	sent, failed := b.hub.Broadcast(frame)
	atomic.AddInt64(&b.metrics.FramesSent, int64(sent))
	atomic.AddInt64(&b.metrics.SendFailures, int64(failed))
	b.metrics.observeTick(time.Since(start))
	return true
}

// Start runs Tick every interval until ctx is cancelled.
func (b *BroadcastLoop) Start(ctx context.Context) {
	go b.Run(ctx)
}

// Run is the blocking form of Start.
//
// Postcondition: Returns ctx.Err() once ctx is cancelled.
func (b *BroadcastLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	b.logger.Info("broadcast loop started", zap.Duration("interval", b.interval))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcast loop stopped", zap.Int64("ticks", atomic.LoadInt64(&b.metrics.Ticks)))
			return ctx.Err()
		case <-ticker.C:
			b.Tick()
		}
	}
}
