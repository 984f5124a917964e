package dataaccess

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// maxWaitSlice bounds a single wait so shutdown is noticed.
const maxWaitSlice = 100 * time.Millisecond

// unused marks a slot that never held a sample.
const unused int64 = -1

// Sample is one user data sample. Samples handed out by LockDataAtUpperBound
// must not be modified and must be given back with UnlockData.
type Sample struct {
	Handle *transport.Handle
	Time   int64
	Data   []byte
}

type slot struct {
	sample *Sample
	locks  int
}

// SampleBuffer keeps the most recent samples of one input signal, ordered
// by sample time. Its size is the signal backlog.
type SampleBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	handle *transport.Handle

	slots   []*slot // sorted by sample time, unused slots first
	deleted map[*Sample]*slot
	latest  int64
}

// NewSampleBuffer creates a buffer holding backlog samples.
func NewSampleBuffer(h *transport.Handle, backlog int) *SampleBuffer {
	b := &SampleBuffer{
		handle:  h,
		deleted: make(map[*Sample]*slot),
		latest:  unused,
	}
	b.cond = sync.NewCond(&b.mu)
	b.resizeLocked(backlog)
	return b
}

// Backlog returns the number of slots.
func (b *SampleBuffer) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// SetBacklog grows or shrinks the buffer. Oldest slots are dropped first;
// dropped slots that are still locked stay alive until unlocked.
func (b *SampleBuffer) SetBacklog(backlog int) error {
	if backlog <= 0 {
		return fmt.Errorf("%w: backlog must be positive, got %d", types.ErrInvalidArgument, backlog)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizeLocked(backlog)
	return nil
}

func (b *SampleBuffer) resizeLocked(backlog int) {
	if backlog <= 0 {
		backlog = 1
	}
	for len(b.slots) > backlog {
		s := b.slots[0]
		if s.locks > 0 {
			b.deleted[s.sample] = s
		}
		b.slots = b.slots[1:]
	}
	for len(b.slots) < backlog {
		size := 0
		if b.handle != nil {
			size = b.handle.Signal().Size
		}
		s := &slot{sample: &Sample{Handle: b.handle, Time: unused, Data: make([]byte, size)}}
		b.slots = append([]*slot{s}, b.slots...)
	}
}

// Update stores a received sample in the oldest slot that is not locked.
func (b *SampleBuffer) Update(simTime int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, s := range b.slots {
		if s.sample.Time == unused || s.locks == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: every slot of %s is locked", types.ErrResourceInUse, b.name())
	}

	s := b.slots[idx]
	b.slots = append(b.slots[:idx], b.slots[idx+1:]...)
	s.sample.Time = simTime
	s.sample.Data = append(s.sample.Data[:0], data...)

	pos := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].sample.Time > simTime })
	b.slots = append(b.slots, nil)
	copy(b.slots[pos+1:], b.slots[pos:])
	b.slots[pos] = s

	b.latest = simTime
	b.cond.Broadcast()
	return nil
}

func (b *SampleBuffer) name() string {
	if b.handle == nil {
		return "buffer"
	}
	return b.handle.Name()
}

// mostRecent returns the time of the newest slot; unused when empty.
func (b *SampleBuffer) mostRecent() int64 {
	return b.slots[len(b.slots)-1].sample.Time
}

// evaluate decides for a window whose newest sample is at least
// moreRecent. It returns nil when some stored sample lies in the window.
func (b *SampleBuffer) evaluate(moreRecent, older int64) error {
	if b.mostRecent() <= older {
		return nil
	}
	// newest sample not after older
	pos := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].sample.Time > older })
	if pos > 0 && b.slots[pos-1].sample.Time >= moreRecent {
		return nil
	}
	return fmt.Errorf("%w: %s has no sample in [%d, %d]", types.ErrFailed, b.name(), moreRecent, older)
}

// WaitUntilInTimeWindow waits until a sample with a time in
// [moreRecent, older] is available.
//
// It returns nil when one is, ErrFailed once a newer sample proves none
// will arrive, ErrTimeout at deadline, and ErrCancelled when stop is
// closed. moreRecent > older is ErrInvalidArgument.
func (b *SampleBuffer) WaitUntilInTimeWindow(moreRecent, older int64, deadline time.Time, stop <-chan struct{}) error {
	if moreRecent > older {
		return fmt.Errorf("%w: window [%d, %d] is empty", types.ErrInvalidArgument, moreRecent, older)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mostRecent() >= moreRecent {
		return b.evaluate(moreRecent, older)
	}

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("%w: no sample of %s newer than %d", types.ErrTimeout, b.name(), moreRecent)
		}
		if wait > maxWaitSlice {
			wait = maxWaitSlice
		}
		b.waitLocked(wait)

		if b.mostRecent() >= moreRecent {
			return b.evaluate(moreRecent, older)
		}
		select {
		case <-stop:
			return fmt.Errorf("%w: waiting for %s", types.ErrCancelled, b.name())
		default:
		}
	}
}

// waitLocked releases the lock for at most d or until the next Update.
func (b *SampleBuffer) waitLocked(d time.Duration) {
	t := time.AfterFunc(d, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	b.cond.Wait()
	t.Stop()
}

// LockDataAtUpperBound locks the newest slot not after upper. valid is
// false when that slot never held a sample.
func (b *SampleBuffer) LockDataAtUpperBound(upper int64) (smp *Sample, valid bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos := sort.Search(len(b.slots), func(i int) bool { return b.slots[i].sample.Time > upper })
	if pos == 0 {
		return nil, false, fmt.Errorf("%w: no sample of %s at or before %d", types.ErrNotFound, b.name(), upper)
	}
	s := b.slots[pos-1]
	s.locks++
	return s.sample, b.latest >= 0 && s.sample.Time != unused, nil
}

// UnlockData releases a sample locked by LockDataAtUpperBound.
func (b *SampleBuffer) UnlockData(smp *Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.slots {
		if s.sample == smp {
			if s.locks == 0 {
				return fmt.Errorf("%w: sample of %s is not locked", types.ErrFailed, b.name())
			}
			s.locks--
			return nil
		}
	}
	if s, ok := b.deleted[smp]; ok {
		s.locks--
		if s.locks == 0 {
			delete(b.deleted, smp)
		}
		return nil
	}
	return fmt.Errorf("%w: sample does not belong to %s", types.ErrNotFound, b.name())
}
