package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Lanes serializes work per conversation while keeping unrelated
// conversations parallel. Each conversation key hashes to one of a fixed set
// of sequential lanes; tasks on the same lane run in submission order, so two
// turns for one conversation can never interleave their store writes.
type Lanes struct {
	queues []chan func()
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewLanes creates shards sequential lanes with depth buffered tasks each.
func NewLanes(shards, depth int, logger *slog.Logger) *Lanes {
	if shards <= 0 {
		shards = 32
	}
	if depth <= 0 {
		depth = 64
	}
	l := &Lanes{
		queues: make([]chan func(), shards),
		logger: logger.With("component", "lanes"),
	}
	for i := range l.queues {
		l.queues[i] = make(chan func(), depth)
	}
	return l
}

// Run starts one worker per lane and blocks until ctx is cancelled and every
// queued task has drained.
func (l *Lanes) Run(ctx context.Context) {
	for i := range l.queues {
		l.wg.Add(1)
		go l.worker(ctx, l.queues[i])
	}
	l.wg.Wait()
}

func (l *Lanes) worker(ctx context.Context, queue chan func()) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain what was already accepted; new submissions stop at the
			// producer side once the engine consumer exits.
			for {
				select {
				case task := <-queue:
					task()
				default:
					return
				}
			}
		case task := <-queue:
			task()
		}
	}
}

// Submit enqueues task on the lane owned by key. Blocks when the lane is
// full, which back-pressures the debouncer's flush path.
func (l *Lanes) Submit(key string, task func()) {
	l.queues[l.shard(key)] <- task
}

func (l *Lanes) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.queues)))
}
