package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timujinne/email-checker-sub002/internal/config"
	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
)

// ewmaWindow sizes the moving average over per-record latency.
const ewmaWindow = 1000

var ewmaAlpha = 2.0 / float64(ewmaWindow+1)

// ewma tracks an exponentially weighted moving average of per-record
// processing time.
type ewma struct {
	mu  sync.Mutex
	avg float64 // seconds per record, 0 until first observation
}

func (e *ewma) Observe(d time.Duration) {
	s := d.Seconds()
	e.mu.Lock()
	if e.avg == 0 {
		e.avg = s
	} else {
		e.avg = ewmaAlpha*s + (1-ewmaAlpha)*e.avg
	}
	e.mu.Unlock()
}

// Rate returns records per second, 0 if nothing observed yet.
func (e *ewma) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.avg == 0 {
		return 0
	}
	return 1 / e.avg
}

// Hub fans progress snapshots out to the caller's callbacks on a dedicated
// dispatcher goroutine. Updates never block the pipeline: if the consumer is
// slow, intermediate snapshots are dropped and only the most recent survives.
// When Redis is configured the latest batch snapshot is mirrored under
// mailqual:progress:<run-id>.
type Hub struct {
	runID   string
	onFile  func(domain.FileProgress)
	onBatch func(domain.BatchProgress)

	rdb *redis.Client
	ttl time.Duration

	fileCh  chan domain.FileProgress
	batchCh chan domain.BatchProgress
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHub starts the dispatcher. Callbacks may be nil. Redis is attached only
// when cfg.RedisAddr is set; otherwise snapshots stay in-process.
func NewHub(runID string, cfg config.ProgressConfig, onFile func(domain.FileProgress), onBatch func(domain.BatchProgress)) *Hub {
	h := &Hub{
		runID:   runID,
		onFile:  onFile,
		onBatch: onBatch,
		ttl:     time.Duration(cfg.TTLHours) * time.Hour,
		fileCh:  make(chan domain.FileProgress, 1),
		batchCh: make(chan domain.BatchProgress, 1),
		done:    make(chan struct{}),
	}
	if cfg.RedisAddr != "" {
		h.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := h.rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("progress redis unreachable, keeping snapshots in-process",
				"addr", cfg.RedisAddr, "error", err.Error())
			h.rdb.Close()
			h.rdb = nil
		}
	}

	h.wg.Add(1)
	go h.dispatch()
	return h
}

// FileUpdate publishes a per-file snapshot, most-recent-wins.
func (h *Hub) FileUpdate(p domain.FileProgress) { coalesce(h.fileCh, p) }

// BatchUpdate publishes a batch snapshot, most-recent-wins.
func (h *Hub) BatchUpdate(p domain.BatchProgress) { coalesce(h.batchCh, p) }

// Close flushes pending snapshots and stops the dispatcher.
func (h *Hub) Close() {
	close(h.done)
	h.wg.Wait()
	if h.rdb != nil {
		h.rdb.Close()
	}
}

func (h *Hub) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case p := <-h.fileCh:
			if h.onFile != nil {
				h.onFile(p)
			}
		case p := <-h.batchCh:
			if h.onBatch != nil {
				h.onBatch(p)
			}
			h.mirror(p)
		case <-h.done:
			// Drain whatever is still pending before exiting.
			for {
				select {
				case p := <-h.fileCh:
					if h.onFile != nil {
						h.onFile(p)
					}
				case p := <-h.batchCh:
					if h.onBatch != nil {
						h.onBatch(p)
					}
					h.mirror(p)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) mirror(p domain.BatchProgress) {
	if h.rdb == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Set(ctx, "mailqual:progress:"+h.runID, data, h.ttl).Err(); err != nil {
		logger.Debug("progress mirror write failed", "error", err.Error())
	}
}

// coalesce replaces a pending snapshot instead of blocking.
func coalesce[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
