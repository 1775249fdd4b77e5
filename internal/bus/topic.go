package bus

import (
	"context"
	"sync"
	"time"
)

// record is an event appended to a partition log.
type record struct {
	event      Event
	offset     int64
	appendedAt time.Time
}

// partitionLog is one FIFO lane of a topic: a bounded append-only buffer
// consumed independently by every subscribed group. Records are trimmed by
// the retention sweep; consumer cursors clamp forward past trimmed ranges.
type partitionLog struct {
	mu          sync.Mutex
	records     []record
	firstOffset int64
	nextOffset  int64
	capacity    int
	closed      bool
	waitCh      chan struct{} // closed-and-replaced on every append (broadcast)

	recentIDs  map[string]struct{}
	recentRing []string
	recentCap  int
}

func newPartitionLog(capacity int) *partitionLog {
	return &partitionLog{
		capacity:  capacity,
		waitCh:    make(chan struct{}),
		recentIDs: make(map[string]struct{}, capacity),
		recentCap: capacity,
	}
}

// append adds an event to the log. Returns (false, nil) when the event id
// was already seen inside the dedup window (idempotent success).
func (p *partitionLog) append(ev Event, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrBusClosed
	}
	if _, dup := p.recentIDs[ev.ID]; dup {
		return false, nil
	}
	if len(p.records) >= p.capacity {
		return false, ErrQueueFull
	}

	p.records = append(p.records, record{event: ev, offset: p.nextOffset, appendedAt: now})
	p.nextOffset++
	p.rememberID(ev.ID)

	// Wake every waiting consumer.
	close(p.waitCh)
	p.waitCh = make(chan struct{})

	return true, nil
}

func (p *partitionLog) rememberID(id string) {
	if len(p.recentRing) >= p.recentCap {
		oldest := p.recentRing[0]
		p.recentRing = p.recentRing[1:]
		delete(p.recentIDs, oldest)
	}
	p.recentRing = append(p.recentRing, id)
	p.recentIDs[id] = struct{}{}
}

// collect grabs up to max records starting at from. When nothing is
// available it returns the broadcast channel to wait on instead.
func (p *partitionLog) collect(from int64, max int) ([]record, int64, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if from < p.firstOffset {
		from = p.firstOffset
	}

	idx := int(from - p.firstOffset)
	if idx >= len(p.records) {
		return nil, from, p.waitCh, p.closed
	}

	end := idx + max
	if end > len(p.records) {
		end = len(p.records)
	}

	out := make([]record, end-idx)
	copy(out, p.records[idx:end])
	return out, out[len(out)-1].offset + 1, nil, p.closed
}

// fetchBatch blocks until at least one record past from is available, then
// keeps gathering until max records or flushAfter has elapsed since the
// first record was picked up. Returns ctx.Err() when cancelled while empty;
// a partial batch is returned, never discarded.
func (p *partitionLog) fetchBatch(ctx context.Context, from int64, max int, flushAfter time.Duration) ([]record, int64, error) {
	var (
		batch []record
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	cursor := from
	for {
		recs, next, waitCh, closed := p.collect(cursor, max-len(batch))
		if len(recs) > 0 {
			batch = append(batch, recs...)
			cursor = next
			if len(batch) >= max {
				return batch, cursor, nil
			}
			if timer == nil {
				timer = time.NewTimer(flushAfter)
			}
			continue
		}

		if len(batch) > 0 {
			select {
			case <-ctx.Done():
				return batch, cursor, nil
			case <-timer.C:
				return batch, cursor, nil
			case <-waitCh:
				continue
			}
		}

		if closed {
			return nil, cursor, ErrBusClosed
		}

		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case <-waitCh:
		}
	}
}

// trim drops records older than horizon and advances firstOffset.
func (p *partitionLog) trim(horizon time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(p.records) && p.records[n].appendedAt.Before(horizon) {
		n++
	}
	if n == 0 {
		return 0
	}

	p.records = append([]record(nil), p.records[n:]...)
	p.firstOffset += int64(n)
	return n
}

func (p *partitionLog) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *partitionLog) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// topic is a named stream with a fixed partition set and retention TTL.
type topic struct {
	name       string
	partitions []*partitionLog
	retention  time.Duration
}

func newTopic(name string, partitionCount, capacity int, retention time.Duration) *topic {
	t := &topic{
		name:       name,
		partitions: make([]*partitionLog, partitionCount),
		retention:  retention,
	}
	for i := range t.partitions {
		t.partitions[i] = newPartitionLog(capacity)
	}
	return t
}

func (t *topic) depth() int {
	total := 0
	for _, p := range t.partitions {
		total += p.depth()
	}
	return total
}
