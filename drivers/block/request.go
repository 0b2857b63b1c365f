package block

import (
	"context"
	"sync"

	"github.com/tcfw/kernel/services/go/storage/metrics"
	"k8s.io/klog/v2"
)

// BioRequest is a run of same typed, sector contiguous bios handled by the
// driver as one hardware transaction.
type BioRequest struct {
	typ        BioType
	sids       SectorRange
	bios       []*Bio
	nrSegments int
}

func newBioRequest(b *Bio) *BioRequest {
	return &BioRequest{
		typ:        b.typ,
		sids:       b.sids,
		bios:       []*Bio{b},
		nrSegments: b.NrSegments(),
	}
}

func (r *BioRequest) Type() BioType {
	return r.typ
}

func (r *BioRequest) SectorRange() SectorRange {
	return r.sids
}

func (r *BioRequest) Bios() []*Bio {
	return r.bios
}

func (r *BioRequest) NrBios() int {
	return len(r.bios)
}

func (r *BioRequest) NrSegments() int {
	return r.nrSegments
}

// Segments returns every segment of every bio in order.
func (r *BioRequest) Segments() []Segment {
	segs := make([]Segment, 0, r.nrSegments)
	for _, b := range r.bios {
		segs = append(segs, b.segments...)
	}
	return segs
}

// CanMerge reports whether b continues the request: same type and starting
// at the sector the request ends at.
func (r *BioRequest) CanMerge(b *Bio) bool {
	return r.typ == b.typ && r.sids.End == b.sids.Start
}

func (r *BioRequest) merge(b *Bio) {
	r.bios = append(r.bios, b)
	r.sids.End = b.sids.End
	r.nrSegments += b.NrSegments()
}

// Complete completes every member bio with status.
func (r *BioRequest) Complete(status BioStatus) {
	for _, b := range r.bios {
		b.Complete(status)
	}
}

// Drop abandons every member bio; waiters see them as dropped.
func (r *BioRequest) Drop() {
	for _, b := range r.bios {
		b.drop()
	}
}

// RequestQueue is a device's software staging queue. Enqueue never blocks;
// Dequeue blocks the driver until a request is ready.
type RequestQueue struct {
	name       string
	maxSegs    int
	maxDiscard uint64

	mu      sync.Mutex
	pending []*BioRequest
	closed  bool

	wake chan struct{}
}

func NewRequestQueue(name string, maxSegs int) *RequestQueue {
	return &RequestQueue{
		name:    name,
		maxSegs: maxSegs,
		wake:    make(chan struct{}, 1),
	}
}

func (q *RequestQueue) MaxNrSegmentsPerBio() int {
	return q.maxSegs
}

// SetMaxDiscardSectors bounds the sectors one discard request may cover,
// merged or not. Zero removes the bound. It must be set before the first
// Enqueue.
func (q *RequestQueue) SetMaxDiscardSectors(n uint64) {
	q.maxDiscard = n
}

func (q *RequestQueue) MaxDiscardSectors() uint64 {
	return q.maxDiscard
}

// fits reports whether b can join tail without breaking a queue limit.
func (q *RequestQueue) fits(tail *BioRequest, b *Bio) bool {
	if tail.nrSegments+b.NrSegments() > q.maxSegs {
		return false
	}
	if b.typ == BioTypeDiscard && q.maxDiscard > 0 {
		return tail.sids.Len()+b.sids.Len() <= q.maxDiscard
	}
	return true
}

// Len returns the number of requests waiting for the driver.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Enqueue adds b to the tail request when it continues it and the combined
// segment count and discard length fit, otherwise it starts a new request.
func (q *RequestQueue) Enqueue(b *Bio) error {
	if b.NrSegments() > q.maxSegs || (b.typ == BioTypeDiscard && q.maxDiscard > 0 && b.sids.Len() > q.maxDiscard) {
		metrics.BiosRejected.WithLabelValues(q.name, BioEnqueueTooBig.Reason()).Inc()
		return BioEnqueueTooBig
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.BiosRejected.WithLabelValues(q.name, BioEnqueueRefused.Reason()).Inc()
		return BioEnqueueRefused
	}

	merged := false
	if n := len(q.pending); n > 0 {
		tail := q.pending[n-1]
		if tail.CanMerge(b) && q.fits(tail, b) {
			tail.merge(b)
			merged = true
		}
	}
	if !merged {
		q.pending = append(q.pending, newBioRequest(b))
	}
	q.mu.Unlock()

	q.signal()

	metrics.BiosSubmitted.WithLabelValues(q.name, b.typ.String()).Inc()
	if merged {
		metrics.BiosMerged.WithLabelValues(q.name).Inc()
	}
	klog.V(5).InfoS("enqueued bio", "device", q.name, "type", b.typ, "sectors", b.sids, "merged", merged)

	return nil
}

// Dequeue removes the oldest request, blocking until one is available, the
// queue is closed or ctx is done.
func (q *RequestQueue) Dequeue(ctx context.Context) (*BioRequest, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()

			if more {
				q.signal()
			}

			metrics.RequestsDispatched.WithLabelValues(q.name, req.typ.String()).Inc()
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close refuses further bios and drops everything still pending.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.Drop()
	}
	q.signal()

	klog.V(3).InfoS("request queue closed", "device", q.name, "dropped", len(pending))
}

func (q *RequestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
