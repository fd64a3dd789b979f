package queue

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

var ErrLimitReached = errors.New("reached limit of max processed jobs")

// Queue representation of task queue.
//
// Tasks submitted by Submit are executed by any free goroutine, tasks submitted by SubmitForOneWorker
// with the same key are executed sequentially in the submission order.
type Queue struct {
	goPool *ants.Pool
	limit  int

	mutex   sync.Mutex
	queue   *list.List
	workers map[interface{}]*list.List
	keyed   int
}

// New creates task queue which is processed by goroutines.
func New(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p, err := ants.NewPool(cfg.GoPoolSize, ants.WithPreAlloc(true), ants.WithExpiryDuration(cfg.MaxIdleTime), ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Queue{
		queue:   list.New(),
		workers: make(map[interface{}]*list.List),
		goPool:  p,
		limit:   cfg.Size,
	}, nil
}

func (q *Queue) lenLocked() int {
	return q.queue.Len() + q.keyed
}

func (q *Queue) appendQueue(tasks []func()) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.lenLocked()+len(tasks) > q.limit {
		return ErrLimitReached
	}
	for _, t := range tasks {
		q.queue.PushBack(t)
	}
	return nil
}

func (q *Queue) popQueue() func() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.queue.Len() == 0 {
		return nil
	}
	return q.queue.Remove(q.queue.Front()).(func())
}

// Submit appends and execute task by Queue.
func (q *Queue) Submit(tasks ...func()) error {
	err := q.appendQueue(tasks)
	if err != nil {
		return err
	}
	err = q.goPool.Submit(func() {
		for {
			task := q.popQueue()
			if task == nil {
				return
			}
			task()
		}
	})
	if err != nil && !errors.Is(err, ants.ErrPoolOverload) {
		return err
	}
	// tasks stay queued for the goroutines already draining the queue
	return nil
}

func (q *Queue) popWorker(key interface{}) func() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	tasks, ok := q.workers[key]
	if !ok {
		return nil
	}
	if tasks.Len() == 0 {
		delete(q.workers, key)
		return nil
	}
	q.keyed--
	return tasks.Remove(tasks.Front()).(func())
}

func (q *Queue) runWorker(key interface{}) {
	for {
		task := q.popWorker(key)
		if task == nil {
			return
		}
		task()
	}
}

// SubmitForOneWorker appends tasks for the key. Tasks of one key never run concurrently and keep their order.
func (q *Queue) SubmitForOneWorker(key interface{}, tasks ...func()) error {
	if len(tasks) == 0 {
		return nil
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.lenLocked()+len(tasks) > q.limit {
		return ErrLimitReached
	}
	pending, running := q.workers[key]
	if !running {
		pending = list.New()
	}
	elems := make([]*list.Element, 0, len(tasks))
	for _, t := range tasks {
		elems = append(elems, pending.PushBack(t))
	}
	q.keyed += len(tasks)
	if running {
		return nil
	}
	q.workers[key] = pending
	if err := q.goPool.Submit(func() { q.runWorker(key) }); err != nil {
		for _, e := range elems {
			pending.Remove(e)
		}
		q.keyed -= len(tasks)
		delete(q.workers, key)
		return fmt.Errorf("cannot start worker for %v: %w", key, err)
	}
	return nil
}

// Release closes queue and release it.
func (q *Queue) Release() {
	q.goPool.Release()
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.queue.Init()
	q.workers = make(map[interface{}]*list.List)
	q.keyed = 0
}
