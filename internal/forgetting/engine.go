package forgetting

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/config"
	"github.com/tessellate-ai/ltm/internal/memory"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

// ErrPassRunning reports that a pass is already in flight; at most one
// runs at a time.
var ErrPassRunning = errors.New("forgetting pass already running")

// passTimeout bounds one full scan-and-remove pass.
const passTimeout = 5 * time.Minute

// ParamsFunc supplies the current forgetting parameters. Wiring it to
// the config manager's snapshot makes hot reloads take effect on the
// next pass without restarting the engine.
type ParamsFunc func() config.ForgettingConfig

// Engine periodically scores stale episodic records and removes the
// ones whose retention utility fell below the threshold. Passes are
// idempotent: a record is removed once and a rerun over the surviving
// set removes nothing new unless time has moved on.
type Engine struct {
	episodic *memory.Episodic
	params   ParamsFunc
	log      *zap.Logger
	now      func() time.Time

	passMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Result summarizes one pass.
type Result struct {
	Scanned    int
	Candidates int
	Removed    int
}

// New wires the engine. params must not be nil.
func New(episodic *memory.Episodic, params ParamsFunc, logger *zap.Logger) *Engine {
	return &Engine{
		episodic: episodic,
		params:   params,
		log:      logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// RunOnce executes a single pass. Only records idle longer than the TTL
// are scored; of those, the ones with utility below the threshold are
// removed. Concurrent calls beyond the first return ErrPassRunning.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if !e.passMu.TryLock() {
		return Result{}, ErrPassRunning
	}
	defer e.passMu.Unlock()

	p := e.params()
	now := float64(e.now().UnixNano()) / 1e9
	ttlSeconds := p.TTLDays * 86400

	var res Result
	var victims []string
	err := e.episodic.Each(ctx, func(rec memory.EpisodicRecord) bool {
		res.Scanned++
		if now-rec.LastAccessedAt <= ttlSeconds {
			return true
		}
		res.Candidates++
		if utility(p, rec, now) < p.Threshold {
			victims = append(victims, rec.ID)
		}
		return true
	})
	if err != nil {
		metrics.RecordForgettingRun("error", 0, 0)
		return res, err
	}

	removed, err := e.episodic.ForgetIDs(ctx, victims)
	res.Removed = removed
	if err != nil {
		metrics.RecordForgettingRun("error", removed, 0)
		return res, err
	}

	metrics.RecordForgettingRun("ok", removed, float64(e.now().UnixNano())/1e9)
	e.log.Info("Forgetting pass complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("candidates", res.Candidates),
		zap.Int("removed", res.Removed),
		zap.Float64("ttl_days", p.TTLDays),
		zap.Float64("threshold", p.Threshold))
	return res, nil
}

// utility scores how much a record is still worth keeping: weighted
// outcome quality plus diminishing credit for access frequency, minus
// an age penalty in days.
func utility(p config.ForgettingConfig, rec memory.EpisodicRecord, now float64) float64 {
	ageDays := (now - rec.CreatedAt) / 86400
	return p.Alpha*rec.Score + p.Beta*math.Log(1+float64(rec.AccessCount)) - p.Gamma*ageDays
}

// Start launches the periodic pass loop. The interval is re-read from
// the params snapshot after every pass, so reloads shorten or stretch
// the cadence without a restart.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		interval := time.Duration(e.params().IntervalHours) * time.Hour
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		timer := time.NewTimer(interval)
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
			e.log.Warn("Forgetting pass failed", zap.Error(err))
		}
		cancel()
	}
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
