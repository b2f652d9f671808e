package tensor

import (
	"runtime"
	"sync"
)

type rangeTask struct {
	fn     func(lo, hi int)
	lo, hi int
	done   chan struct{}
}

type workerPool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	rangePool     *workerPool
	rangePoolOnce sync.Once
)

func getPool() *workerPool {
	rangePoolOnce.Do(func() {
		rangePool = newWorkerPool()
	})
	return rangePool
}

func newWorkerPool() *workerPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &workerPool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				task.fn(task.lo, task.hi)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// parallelFor splits [0, n) into contiguous chunks and runs fn on the shared
// worker pool. Every index is handled by exactly one call, so results do not
// depend on scheduling.
func parallelFor(n, grain int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	pool := getPool()
	workers := pool.size
	if grain < 1 {
		grain = 1
	}
	if limit := (n + grain - 1) / grain; workers > limit {
		workers = limit
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		lo := i * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			break
		}
		active++
		pool.tasks <- rangeTask{fn: fn, lo: lo, hi: hi, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}
