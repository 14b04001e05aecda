package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFires(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	fired := make(chan struct{}, 1)
	timer := w.Alloc(func() { fired <- struct{}{} })
	w.Queue(timer, 0.01)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestDequeuePreventsFiring(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	var fired int32
	timer := w.Alloc(func() { atomic.AddInt32(&fired, 1) })
	w.Queue(timer, 0.02)
	w.Dequeue(timer)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

// TestRequeueKeepsOnlyOneFiring exercises testable property 7: queue(t,d)
// followed by queue(t,d) before d elapses keeps only one pending firing.
func TestRequeueKeepsOnlyOneFiring(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	var fired int32
	timer := w.Alloc(func() { atomic.AddInt32(&fired, 1) })
	w.Queue(timer, 0.05)
	w.Queue(timer, 0.05)

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestCleanupDetachesCallback(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	var fired int32
	timer := w.Alloc(func() { atomic.AddInt32(&fired, 1) })
	w.Queue(timer, 0.01)
	w.Cleanup(timer)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}
