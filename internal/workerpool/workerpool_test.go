package workerpool

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinarySemaphore_InvalidInitValue(t *testing.T) {
	_, err := NewBinarySemaphore(2)
	assert.Error(t, err)
}

func TestBinarySemaphore_WaitBlocksUntilPost(t *testing.T) {
	b, err := NewBinarySemaphore(0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Post")
	case <-time.After(20 * time.Millisecond):
	}

	b.Post()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Post")
	}
}

func TestBinarySemaphore_PostAllEventuallyDrainsEveryWaiter(t *testing.T) {
	// PostAll wakes every blocked waiter to re-check the value, but since the
	// semaphore is binary only one waiter actually consumes it and proceeds
	// per post — the rest re-block. This matches the reference
	// implementation's bsem_wait/bsem_post_all, and is exactly why
	// Pool.Destroy calls PostAll repeatedly rather than once.
	b, err := NewBinarySemaphore(0)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			b.Wait()
		}()
	}
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	deadline := time.After(time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("not all waiters drained after repeated PostAll")
		default:
			b.PostAll()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestJobQueue_FIFO(t *testing.T) {
	q := NewJobQueue()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(Job{Fn: func(arg any) { got = append(got, arg.(int)) }, Arg: i})
	}
	for i := 0; i < 5; i++ {
		job, ok := q.Pull()
		require.True(t, ok)
		job.Fn(job.Arg)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestJobQueue_Clear(t *testing.T) {
	q := NewJobQueue()
	q.Push(Job{Fn: func(any) {}, Arg: nil})
	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestPool_FanIn2000Jobs(t *testing.T) {
	p := New(8)
	defer p.Destroy()

	const total = 2000
	var mu sync.Mutex
	results := make([]int, 0, total)

	for i := 0; i < total; i++ {
		i := i
		p.Submit(func(arg any) {
			mu.Lock()
			results = append(results, arg.(int))
			mu.Unlock()
		}, i)
	}

	p.WaitIdle()

	sort.Ints(results)
	expected := make([]int, total)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, results)
}

func TestPool_WaitIdleMonotonic(t *testing.T) {
	p := New(4)
	defer p.Destroy()

	var counter int64
	for i := 0; i < 100; i++ {
		p.Submit(func(any) { atomic.AddInt64(&counter, 1) }, nil)
	}
	p.WaitIdle()
	assert.Equal(t, int64(100), atomic.LoadInt64(&counter))
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 0, p.WorkingCount())
}

func TestPool_PauseResume(t *testing.T) {
	p := New(2)
	defer p.Destroy()

	p.Pause()

	started := make(chan struct{})
	finished := make(chan struct{})
	p.Submit(func(any) {
		close(started)
		close(finished)
	}, nil)

	select {
	case <-started:
		t.Fatal("job ran while pool was paused")
	case <-time.After(30 * time.Millisecond):
	}

	p.Resume()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job did not run after Resume")
	}
}

func TestPool_DestroyStopsAllWorkers(t *testing.T) {
	p := New(4)
	p.DestroyTimeout = 10 * time.Millisecond
	p.Destroy()
	assert.Equal(t, 0, p.AliveCount())
}

func TestPool_DestroyWithPendingQueueDrainsAlive(t *testing.T) {
	p := New(2)
	p.DestroyTimeout = 10 * time.Millisecond
	var ran int64
	block := make(chan struct{})
	p.Submit(func(any) { <-block }, nil)
	close(block)
	p.Submit(func(any) { atomic.AddInt64(&ran, 1) }, nil)
	p.Destroy()
	assert.Equal(t, 0, p.AliveCount())
}
