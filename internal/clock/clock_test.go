package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSequence_StartsAtZero(t *testing.T) {
	var s Sequence
	assert.Equal(t, int64(0), s.Current())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current())
}

func TestSequence_ResumesAt(t *testing.T) {
	s := NewSequenceAt(41)
	assert.Equal(t, int64(42), s.Next())
}

func TestSequence_Observe(t *testing.T) {
	s := NewSequenceAt(5)
	s.Observe(3)
	assert.Equal(t, int64(5), s.Current(), "observe never lowers the sequence")
	s.Observe(10)
	assert.Equal(t, int64(11), s.Next())
}

func TestSequence_ThreadSafe(t *testing.T) {
	var s Sequence
	const goroutines = 50
	const calls = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				v := s.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*calls)
	assert.Equal(t, int64(goroutines*calls), s.Current())
}

func TestOr(t *testing.T) {
	assert.IsType(t, System{}, Or(nil))

	fixed := fixedClock(time.Unix(100, 0))
	assert.Equal(t, fixed, Or(fixed))
}

type fixedClock time.Time

func (f fixedClock) Now() time.Time { return time.Time(f) }
