package pow

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// chunkSize is the number of nonces a worker claims at a time.
const chunkSize = 8192

// rateInterval is how often the hash rate gauge is refreshed.
const rateInterval = time.Second

// Miner mines with a pool of worker goroutines, each claiming contiguous
// nonce chunks. The result is deterministic: the lowest valid nonce wins,
// because chunks below the winning one are always drained before returning.
type Miner struct {
	workers int
	hashes  prometheus.Counter
	rate    prometheus.Gauge
	logger  *zap.SugaredLogger
}

// NewMiner returns a Miner running the given number of workers, or
// GOMAXPROCS workers when n is zero. The counter and gauge may be nil.
func NewMiner(n int, hashes prometheus.Counter, rate prometheus.Gauge, logger *zap.SugaredLogger) *Miner {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Miner{workers: n, hashes: hashes, rate: rate, logger: logger}
}

type candidate struct {
	chunk uint64
	nonce uint64
	hash  string
}

// Mine finds the lowest nonce >= beginNonce whose hash satisfies the
// difficulty. It returns the nonce and the hash, or the context error if
// cancelled first.
func (m *Miner) Mine(ctx context.Context, message string, difficulty int, beginNonce uint64) (uint64, string, error) {
	var (
		next      atomic.Uint64 // next chunk index to claim
		bestChunk atomic.Uint64 // lowest chunk known to hold a solution
		attempts  atomic.Uint64
		mu        sync.Mutex
		best      *candidate
		wg        sync.WaitGroup
	)
	bestChunk.Store(^uint64(0))
	started := time.Now()

	if m.rate != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			t := time.NewTicker(rateInterval)
			defer t.Stop()
			var last uint64
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					cur := attempts.Load()
					m.rate.Set(float64(cur-last) / rateInterval.Seconds())
					last = cur
				}
			}
		}()
	}

	record := func(c candidate) {
		mu.Lock()
		defer mu.Unlock()
		if best == nil || c.chunk < best.chunk {
			cc := c
			best = &cc
		}
		// Workers stop claiming chunks at or above the best one; already
		// claimed lower chunks keep running so the minimum is exact.
		for {
			cur := bestChunk.Load()
			if c.chunk >= cur || bestChunk.CompareAndSwap(cur, c.chunk) {
				return
			}
		}
	}

	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				chunk := next.Add(1) - 1
				if chunk >= bestChunk.Load() || ctx.Err() != nil {
					return
				}
				start := beginNonce + chunk*chunkSize
				tried := uint64(chunkSize)
				for nonce := start; nonce < start+chunkSize; nonce++ {
					if hashed, ok := Validate(nonce, message, difficulty); ok {
						record(candidate{chunk: chunk, nonce: nonce, hash: hashed})
						tried = nonce - start + 1
						break
					}
				}
				attempts.Add(tried)
				if m.hashes != nil {
					m.hashes.Add(float64(tried))
				}
			}
		}()
	}
	wg.Wait()

	if m.rate != nil {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			m.rate.Set(float64(attempts.Load()) / elapsed)
		}
	}

	if err := ctx.Err(); err != nil && best == nil {
		return 0, "", err
	}
	if m.logger != nil {
		m.logger.Debugw("mined", "nonce", best.nonce, "hash", best.hash, "difficulty", difficulty)
	}
	return best.nonce, best.hash, nil
}
