package block

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bio is a single block I/O request over zero or more segments.
//
// A bio is submitted to exactly one device and completed exactly once. After
// submission its segments must not be modified by the caller.
type Bio struct {
	typ      BioType
	sids     SectorRange
	segments []Segment
	extra    any

	status atomic.Uint32
	done   chan struct{}

	// onFinish runs once when the bio reaches a terminal state
	onFinish func(status BioStatus)
}

// NewBio builds a bio starting at sid. No I/O is performed. extra is carried
// untouched for the submitter's own bookkeeping.
func NewBio(typ BioType, sid SectorID, segments []Segment, extra any) (*Bio, error) {
	var n uint64
	for _, seg := range segments {
		n += seg.NrSectors()
	}

	sids, err := newSectorRange(sid, n)
	if err != nil {
		return nil, err
	}

	return &Bio{
		typ:      typ,
		sids:     sids,
		segments: append([]Segment(nil), segments...),
		extra:    extra,
		done:     make(chan struct{}),
	}, nil
}

// NewDiscardBio builds a segmentless discard over nr sectors.
func NewDiscardBio(sid SectorID, nr uint64) (*Bio, error) {
	sids, err := newSectorRange(sid, nr)
	if err != nil {
		return nil, err
	}

	return &Bio{
		typ:  BioTypeDiscard,
		sids: sids,
		done: make(chan struct{}),
	}, nil
}

func (b *Bio) Type() BioType {
	return b.typ
}

func (b *Bio) SectorRange() SectorRange {
	return b.sids
}

func (b *Bio) Segments() []Segment {
	return b.segments
}

func (b *Bio) NrSegments() int {
	return len(b.segments)
}

func (b *Bio) Extra() any {
	return b.extra
}

func (b *Bio) Status() BioStatus {
	return BioStatus(b.status.Load())
}

// Done is closed once the bio is completed or dropped.
func (b *Bio) Done() <-chan struct{} {
	return b.done
}

// Submit hands the bio to dev. On an enqueue error the bio returns to the
// not started state and the error is passed back to the caller.
func (b *Bio) Submit(dev BlockDevice) (*Waiter, error) {
	if !b.status.CompareAndSwap(uint32(StatusNotStarted), uint32(StatusSubmitted)) {
		return nil, ErrBioResubmitted
	}

	if err := dev.Enqueue(b); err != nil {
		b.status.CompareAndSwap(uint32(StatusSubmitted), uint32(StatusNotStarted))
		return nil, err
	}

	return NewWaiter(b), nil
}

// SubmitAndWait submits the bio and blocks until it finishes. A bio dropped
// without completion reports ErrBioDropped.
func (b *Bio) SubmitAndWait(dev BlockDevice) (BioStatus, error) {
	w, err := b.Submit(dev)
	if err != nil {
		return StatusNotStarted, err
	}

	status, ok := w.Wait()
	if !ok {
		return status, ErrBioDropped
	}
	return status, nil
}

// Complete moves the bio to its terminal status and wakes any waiter. Only
// the first call has an effect; it reports whether this call completed it.
func (b *Bio) Complete(status BioStatus) bool {
	if !status.terminal() || status == statusDropped {
		panic("block: bio completed with non terminal status " + status.String())
	}
	return b.finish(status)
}

// drop abandons the bio without completing it.
func (b *Bio) drop() bool {
	return b.finish(statusDropped)
}

func (b *Bio) finish(to BioStatus) bool {
	for {
		cur := b.status.Load()
		if BioStatus(cur).terminal() {
			return false
		}
		if b.status.CompareAndSwap(cur, uint32(to)) {
			break
		}
	}

	close(b.done)
	if b.onFinish != nil {
		b.onFinish(to)
	}

	return true
}

// Waiter waits on one or more submitted bios.
type Waiter struct {
	bios []*Bio

	once sync.Once
	all  chan struct{}
}

func NewWaiter(bios ...*Bio) *Waiter {
	return &Waiter{bios: bios}
}

// Concat moves other's bios into w.
func (w *Waiter) Concat(other *Waiter) {
	w.bios = append(w.bios, other.bios...)
	other.bios = nil
}

func (w *Waiter) NrBios() int {
	return len(w.bios)
}

func (w *Waiter) Bio(i int) *Bio {
	return w.bios[i]
}

func (w *Waiter) Status(i int) BioStatus {
	return w.bios[i].Status()
}

// Done is closed once every bio has finished.
func (w *Waiter) Done() <-chan struct{} {
	if len(w.bios) == 1 {
		return w.bios[0].done
	}

	w.once.Do(func() {
		w.all = make(chan struct{})
		bios := w.bios
		go func() {
			for _, b := range bios {
				<-b.done
			}
			close(w.all)
		}()
	})
	return w.all
}

// Wait blocks until every bio finishes. It returns the first status other
// than StatusComplete, or StatusComplete. ok is false if any bio was dropped.
func (w *Waiter) Wait() (BioStatus, bool) {
	for _, b := range w.bios {
		<-b.done
	}
	return w.result()
}

// WaitContext is Wait bounded by ctx. The bios keep running if ctx ends first.
func (w *Waiter) WaitContext(ctx context.Context) (BioStatus, bool, error) {
	select {
	case <-w.Done():
	case <-ctx.Done():
		return StatusSubmitted, false, ctx.Err()
	}

	status, ok := w.result()
	return status, ok, nil
}

func (w *Waiter) result() (BioStatus, bool) {
	status := StatusComplete
	for _, b := range w.bios {
		s := b.Status()
		if s == statusDropped {
			return s, false
		}
		if s != StatusComplete && status == StatusComplete {
			status = s
		}
	}
	return status, true
}
