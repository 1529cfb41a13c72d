package readspeed

import "sync"

// Task defines work to be executed.
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines.
type WorkerPool struct {
	workers []*worker
	tasks   chan Task
	wg      sync.WaitGroup
}

type worker struct {
	id   int
	pool *WorkerPool
}

// NewWorkerPool starts n workers.
func NewWorkerPool(n int) *WorkerPool {
	pool := &WorkerPool{
		tasks: make(chan Task, 2*n),
	}
	for i := 0; i < n; i++ {
		w := &worker{id: i, pool: pool}
		pool.workers = append(pool.workers, w)
		pool.wg.Add(1)
		go w.start()
	}
	return pool
}

func (w *worker) start() {
	defer w.pool.wg.Done()
	for task := range w.pool.tasks {
		task()
	}
}

// Size is the number of workers.
func (wp *WorkerPool) Size() int { return len(wp.workers) }

// Submit schedules a task, blocking while the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	wp.tasks <- task
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (wp *WorkerPool) Shutdown() {
	close(wp.tasks)
	wp.wg.Wait()
}
