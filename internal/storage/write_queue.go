package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWriteQueueSize = 2048
	defaultWriteTimeout   = 5 * time.Second
	writeDropLogInterval  = 10 * time.Second
	writeStopWait         = 2 * time.Second
)

type writeTask struct {
	clientID string
	records  []usagerecord.Record
}

// WriteQueue ingests batches in the background so callers can acknowledge before
// the backend commits. Enqueue never blocks; a full queue drops the batch.
type WriteQueue struct {
	plugin Plugin

	queue    chan writeTask
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool

	writeDropLogAt atomic.Int64
	dropped        atomic.Int64
	stored         atomic.Int64
}

// NewWriteQueue starts a queue draining into plugin. size <= 0 uses the default.
func NewWriteQueue(plugin Plugin, size int) *WriteQueue {
	if size <= 0 {
		size = defaultWriteQueueSize
	}
	q := &WriteQueue{
		plugin: plugin,
		queue:  make(chan writeTask, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.writeLoop()
	return q
}

// Stop stops accepting work, drains what is queued and waits briefly for it.
func (q *WriteQueue) Stop() {
	if q == nil {
		return
	}
	q.stopOnce.Do(func() {
		q.closed.Store(true)
		close(q.stop)
	})
	select {
	case <-q.done:
	case <-time.After(writeStopWait):
		log.WithField("pending", len(q.queue)).Warn("usage write queue did not drain before shutdown")
	}
}

func (q *WriteQueue) writeLoop() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			for {
				select {
				case task := <-q.queue:
					q.process(task)
				default:
					return
				}
			}
		case task := <-q.queue:
			q.process(task)
		}
	}
}

func (q *WriteQueue) process(task writeTask) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	res, err := q.plugin.StoreUsageRecords(ctx, task.clientID, task.records)
	if err != nil {
		log.WithError(err).WithField("client_id", task.clientID).Warn("failed to store queued usage records")
		return
	}
	q.stored.Add(int64(res.Stored))
	if res.Invalid > 0 {
		log.WithFields(log.Fields{
			"client_id": task.clientID,
			"invalid":   res.Invalid,
		}).Debug("queued usage batch contained invalid records")
	}
}

// Enqueue schedules records for ingestion. It reports false when the queue is
// stopped or full.
func (q *WriteQueue) Enqueue(clientID string, records []usagerecord.Record) bool {
	if q == nil || len(records) == 0 || q.closed.Load() {
		return false
	}

	select {
	case q.queue <- writeTask{clientID: clientID, records: records}:
		return true
	default:
		q.dropped.Add(int64(len(records)))
		q.logWriteDrop(clientID)
		return false
	}
}

// Stats reports how many records were stored and dropped so far.
func (q *WriteQueue) Stats() (stored, dropped int64, pending int) {
	if q == nil {
		return 0, 0, 0
	}
	return q.stored.Load(), q.dropped.Load(), len(q.queue)
}

func (q *WriteQueue) logWriteDrop(clientID string) {
	now := time.Now().UnixNano()
	last := q.writeDropLogAt.Load()
	if last > 0 && time.Duration(now-last) < writeDropLogInterval {
		return
	}
	q.writeDropLogAt.Store(now)

	log.WithFields(log.Fields{
		"client_id": clientID,
		"queue_len": len(q.queue),
		"queue_cap": cap(q.queue),
		"dropped":   q.dropped.Load(),
	}).Warn("usage write queue is full; dropping batch")
}
