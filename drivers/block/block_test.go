package block

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
)

// memDisk serves its request queue from a byte slice.
type memDisk struct {
	name   string
	q      *RequestQueue
	data   []byte
	status BioStatus
	seen   []*BioRequest
}

func newMemDisk(name string, sectors int, maxSegs int) *memDisk {
	return &memDisk{
		name:   name,
		q:      NewRequestQueue(name, maxSegs),
		data:   make([]byte, sectors*SectorSize),
		status: StatusComplete,
	}
}

func (d *memDisk) Name() string         { return d.name }
func (d *memDisk) Enqueue(b *Bio) error { return d.q.Enqueue(b) }
func (d *memDisk) Metadata() Meta {
	return Meta{
		MaxNrSegmentsPerBio: d.q.MaxNrSegmentsPerBio(),
		NrSectors:           uint64(len(d.data) / SectorSize),
		MaxDiscardSectors:   d.q.MaxDiscardSectors(),
	}
}

func (d *memDisk) serve(ctx context.Context) {
	for {
		req, err := d.q.Dequeue(ctx)
		if err != nil {
			return
		}
		d.seen = append(d.seen, req)

		if d.status != StatusComplete {
			req.Complete(d.status)
			continue
		}

		for _, bio := range req.Bios() {
			off := bio.SectorRange().Start.Offset()
			for _, seg := range bio.Segments() {
				switch req.Type() {
				case BioTypeRead:
					copy(seg.Bytes(), d.data[off:])
				case BioTypeWrite:
					copy(d.data[off:], seg.Bytes())
				}
				off += uint64(seg.Len())
			}
		}
		req.Complete(StatusComplete)
	}
}

func sectorSegs(t *testing.T, mem *utils.HeapMemory, n int) []Segment {
	t.Helper()

	stream, err := mem.AllocDMA(n*SectorSize, utils.DMABidirectional)
	if err != nil {
		t.Fatal(err)
	}

	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		seg, err := NewSegment(stream, i*SectorSize, SectorSize)
		if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, seg)
	}
	return segs
}

func mustBio(t *testing.T, typ BioType, sid SectorID, segs []Segment) *Bio {
	t.Helper()

	b, err := NewBio(typ, sid, segs, nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBioRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		status BioStatus
	}{
		{"complete", StatusComplete},
		{"io error", StatusIOError},
		{"not supported", StatusNotSupported},
	}

	mem := utils.NewHeapMemory()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := newMemDisk("mem0", 8, 4)
			disk.status = tt.status

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go disk.serve(ctx)

			bio := mustBio(t, BioTypeRead, 1, sectorSegs(t, mem, 2))
			status, err := bio.SubmitAndWait(disk)
			if err != nil {
				t.Fatal(err)
			}
			if status != tt.status {
				t.Fatalf("expected %s, got %s", tt.status, status)
			}
			if bio.Status() != tt.status {
				t.Fatalf("bio status %s does not match", bio.Status())
			}
		})
	}
}

func TestBioCompleteOnce(t *testing.T) {
	bio := mustBio(t, BioTypeFlush, 0, nil)

	if !bio.Complete(StatusIOError) {
		t.Fatal("first completion should take effect")
	}
	if bio.Complete(StatusComplete) {
		t.Fatal("second completion should be ignored")
	}
	if bio.Status() != StatusIOError {
		t.Fatalf("status changed after completion: %s", bio.Status())
	}

	select {
	case <-bio.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBioResubmit(t *testing.T) {
	disk := newMemDisk("mem0", 8, 4)
	bio := mustBio(t, BioTypeFlush, 0, nil)

	if _, err := bio.Submit(disk); err != nil {
		t.Fatal(err)
	}
	if _, err := bio.Submit(disk); !errors.Is(err, ErrBioResubmitted) {
		t.Fatalf("expected resubmit error, got %v", err)
	}
}

func TestNewBioOverflow(t *testing.T) {
	mem := utils.NewHeapMemory()

	if _, err := NewBio(BioTypeWrite, SectorID(math.MaxUint64), sectorSegs(t, mem, 1), nil); !errors.Is(err, ErrSectorOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := NewBio(BioTypeWrite, SectorID(math.MaxUint64-1), sectorSegs(t, mem, 1), nil); err != nil {
		t.Fatalf("last sector should be addressable: %v", err)
	}
}

func TestNewSegmentValidation(t *testing.T) {
	mem := utils.NewHeapMemory()
	stream, _ := mem.AllocDMA(2*SectorSize, utils.DMAToDevice)

	tests := []struct {
		name   string
		offset int
		length int
		err    error
	}{
		{"unaligned length", 0, 100, ErrSegmentAlignment},
		{"unaligned offset", 1, SectorSize, ErrSegmentAlignment},
		{"past end", SectorSize, 2 * SectorSize, utils.ErrDMAOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSegment(stream, tt.offset, tt.length); !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestRequestQueueMerge(t *testing.T) {
	mem := utils.NewHeapMemory()
	q := NewRequestQueue("merge", 6)

	var bios []*Bio
	for i := 0; i < 3; i++ {
		b := mustBio(t, BioTypeWrite, SectorID(10+2*i), sectorSegs(t, mem, 2))
		if err := q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
		bios = append(bios, b)
	}

	if q.Len() != 1 {
		t.Fatalf("expected a single request, got %d", q.Len())
	}

	req, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if req.NrBios() != 3 || req.NrSegments() != 6 {
		t.Fatalf("unexpected request shape bios=%d segs=%d", req.NrBios(), req.NrSegments())
	}
	for i, b := range req.Bios() {
		if b != bios[i] {
			t.Fatalf("bio %d out of order", i)
		}
	}
	if req.SectorRange() != (SectorRange{Start: 10, End: 16}) {
		t.Fatalf("unexpected range %s", req.SectorRange())
	}
}

func TestRequestQueueMergeBoundary(t *testing.T) {
	mem := utils.NewHeapMemory()
	q := NewRequestQueue("boundary", 5)

	for i := 0; i < 3; i++ {
		b := mustBio(t, BioTypeRead, SectorID(2*i), sectorSegs(t, mem, 2))
		if err := q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
	}

	first, _ := q.Dequeue(context.Background())
	second, _ := q.Dequeue(context.Background())

	if first.NrBios() != 2 || first.SectorRange().End != 4 {
		t.Fatalf("first request should stop before the overflowing bio, got %d bios", first.NrBios())
	}
	if second.NrBios() != 1 || second.SectorRange().Start != 4 {
		t.Fatalf("second request should start at the overflowing bio, got %s", second.SectorRange())
	}
}

func TestRequestQueueNoMerge(t *testing.T) {
	mem := utils.NewHeapMemory()

	tests := []struct {
		name   string
		second func() *Bio
	}{
		{"gap", func() *Bio { return mustBio(t, BioTypeRead, 5, sectorSegs(t, mem, 1)) }},
		{"behind", func() *Bio { return mustBio(t, BioTypeRead, 0, sectorSegs(t, mem, 1)) }},
		{"type differs", func() *Bio { return mustBio(t, BioTypeWrite, 2, sectorSegs(t, mem, 1)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewRequestQueue("nomerge", 8)
			if err := q.Enqueue(mustBio(t, BioTypeRead, 1, sectorSegs(t, mem, 1))); err != nil {
				t.Fatal(err)
			}
			if err := q.Enqueue(tt.second()); err != nil {
				t.Fatal(err)
			}

			if q.Len() != 2 {
				t.Fatalf("expected two requests, got %d", q.Len())
			}
		})
	}
}

func TestRequestQueueRejectsTooBig(t *testing.T) {
	mem := utils.NewHeapMemory()
	q := NewRequestQueue("big", 2)

	if err := q.Enqueue(mustBio(t, BioTypeRead, 0, sectorSegs(t, mem, 1))); err != nil {
		t.Fatal(err)
	}

	big := mustBio(t, BioTypeRead, 1, sectorSegs(t, mem, 3))
	if _, err := big.Submit(&memDisk{name: "big", q: q}); !errors.Is(err, BioEnqueueTooBig) {
		t.Fatalf("expected too big, got %v", err)
	}
	if big.Status() != StatusNotStarted {
		t.Fatalf("rejected bio should not be started, got %s", big.Status())
	}

	req, _ := q.Dequeue(context.Background())
	if req.NrBios() != 1 {
		t.Fatal("rejected bio was merged")
	}
}

func TestRequestQueueDiscardLimit(t *testing.T) {
	q := NewRequestQueue("discard", 4)
	q.SetMaxDiscardSectors(16)

	discard := func(sid SectorID, n uint64) *Bio {
		b, err := NewDiscardBio(sid, n)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	if err := q.Enqueue(discard(0, 17)); !errors.Is(err, BioEnqueueTooBig) {
		t.Fatalf("expected too big, got %v", err)
	}

	for _, b := range []*Bio{discard(0, 10), discard(10, 10), discard(20, 6)} {
		if err := q.Enqueue(b); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("expected two requests, got %d", q.Len())
	}

	want := []SectorRange{{Start: 0, End: 10}, {Start: 10, End: 26}}
	for _, w := range want {
		req, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if req.SectorRange() != w {
			t.Fatalf("request %s, want %s", req.SectorRange(), w)
		}
	}
}

func TestDiscardSplitsAtDeviceLimit(t *testing.T) {
	disk := newMemDisk("split", 64, 4)
	disk.q.SetMaxDiscardSectors(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disk.serve(ctx)

	if err := Discard(ctx, disk, 4, 40); err != nil {
		t.Fatal(err)
	}

	want := []SectorRange{{Start: 4, End: 20}, {Start: 20, End: 36}, {Start: 36, End: 44}}
	if len(disk.seen) != len(want) {
		t.Fatalf("device saw %d discards, want %d", len(disk.seen), len(want))
	}
	for i, w := range want {
		if got := disk.seen[i].SectorRange(); got != w {
			t.Fatalf("discard %d covers %s, want %s", i, got, w)
		}
	}
}

func TestRequestQueueClose(t *testing.T) {
	disk := newMemDisk("closing", 8, 4)

	bio := mustBio(t, BioTypeFlush, 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := bio.SubmitAndWait(disk)
		done <- err
	}()

	for disk.q.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	disk.q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrBioDropped) {
			t.Fatalf("expected dropped, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by close")
	}

	if err := disk.Enqueue(mustBio(t, BioTypeFlush, 0, nil)); !errors.Is(err, BioEnqueueRefused) {
		t.Fatalf("expected refused after close, got %v", err)
	}
	if _, err := disk.q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestDequeueContext(t *testing.T) {
	q := NewRequestQueue("idle", 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestWaiterConcat(t *testing.T) {
	a := mustBio(t, BioTypeFlush, 0, nil)
	b := mustBio(t, BioTypeFlush, 0, nil)

	w := NewWaiter(a)
	w.Concat(NewWaiter(b))
	if w.NrBios() != 2 {
		t.Fatalf("expected 2 bios, got %d", w.NrBios())
	}

	a.Complete(StatusComplete)
	b.Complete(StatusIOError)

	status, ok := w.Wait()
	if !ok || status != StatusIOError {
		t.Fatalf("expected io error, got %s ok=%v", status, ok)
	}

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done not closed")
	}
}

func TestForward(t *testing.T) {
	mem := utils.NewHeapMemory()
	disk := newMemDisk("fwd", 64, 8)
	copy(disk.data[40*SectorSize:], []byte("partition"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disk.serve(ctx)

	parent := mustBio(t, BioTypeRead, 8, sectorSegs(t, mem, 1))
	parent.status.Store(uint32(StatusSubmitted))

	if err := Forward(parent, disk, 32); err != nil {
		t.Fatal(err)
	}

	status, ok := NewWaiter(parent).Wait()
	if !ok || status != StatusComplete {
		t.Fatalf("unexpected parent status %s", status)
	}
	if !bytes.HasPrefix(parent.Segments()[0].Bytes(), []byte("partition")) {
		t.Fatal("forwarded read did not land at the shifted sector")
	}
}

func TestReadWriteSectors(t *testing.T) {
	mem := utils.NewHeapMemory()
	disk := newMemDisk("rw", 16, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disk.serve(ctx)

	out := bytes.Repeat([]byte{0x5A}, 2*SectorSize)
	if err := WriteSectors(ctx, disk, mem, 3, out); err != nil {
		t.Fatal(err)
	}

	in := make([]byte, 2*SectorSize)
	if err := ReadSectors(ctx, disk, mem, 3, in); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("read back differs from written data")
	}

	if err := ReadSectors(ctx, disk, mem, 0, make([]byte, 100)); !errors.Is(err, ErrSegmentAlignment) {
		t.Fatalf("expected alignment error, got %v", err)
	}

	disk.status = StatusIOError
	if err := Flush(ctx, disk); !errors.Is(err, ErrBlockIOError) {
		t.Fatalf("expected io error, got %v", err)
	}
}
