package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink persists items outside the process. Write is never called on the
// goroutine issuing the HTTP call.
type Sink interface {
	Write(ctx context.Context, item Item) error
	Close() error
}

// SinkFactory builds the sink for a module given its storage path.
type SinkFactory func(module, storagePath string) (Sink, error)

const (
	// DefaultSinkBuffer is the number of items queued per module before drops.
	DefaultSinkBuffer = 256
	sinkWriteTimeout  = 10 * time.Second
	sinkCloseTimeout  = 5 * time.Second
)

// queuedSink feeds a Sink from a bounded queue on its own goroutine so the
// capture path never blocks on storage.
type queuedSink struct {
	sink  Sink
	queue chan Item
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	log   zerolog.Logger
}

func newQueuedSink(sink Sink, size int, log zerolog.Logger) *queuedSink {
	if size <= 0 {
		size = DefaultSinkBuffer
	}
	q := &queuedSink{
		sink:  sink,
		queue: make(chan Item, size),
		done:  make(chan struct{}),
		log:   log,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// enqueue hands item to the writer goroutine, dropping it when the queue is full.
func (q *queuedSink) enqueue(item Item) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.queue <- item:
	case <-q.done:
	default:
		q.log.Warn().Uint64("seq", item.Seq).Msg("sink queue full, dropping item")
	}
}

func (q *queuedSink) loop() {
	defer q.wg.Done()
	for {
		select {
		case item := <-q.queue:
			q.write(item)
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *queuedSink) drain() {
	deadline := time.After(sinkCloseTimeout)
	for {
		select {
		case item := <-q.queue:
			q.write(item)
		case <-deadline:
			q.log.Warn().Int("pending", len(q.queue)).Msg("sink close timed out, items lost")
			return
		default:
			return
		}
	}
}

func (q *queuedSink) write(item Item) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()
	if err := q.sink.Write(ctx, item); err != nil {
		q.log.Warn().Err(err).Uint64("seq", item.Seq).Msg("sink write failed")
	}
}

// close flushes what is queued and closes the underlying sink.
func (q *queuedSink) close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()
		err = q.sink.Close()
	})
	return err
}
