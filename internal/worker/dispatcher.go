package worker

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/internal/logging"
)

type sessionQueue struct {
	jobs []Job
}

// Dispatcher hands jobs to the pool round-robin across sessions so one busy
// session cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	logger   zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*sessionQueue // job queue for each session
	ready     *list.List               // LRU queue storing session IDs
	positions map[string]*list.Element
	closed    bool

	quit chan struct{}
	done chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, handle func(Job)) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, handle),
		JobQueue:  make(chan Job, queueSize),
		logger:    logging.Component("dispatcher"),
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// warm up
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of the session in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// CancelSession drops the queued jobs of a session. Running jobs finish.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, sessionID)
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
}

// Close stops dispatching and waits for running jobs. Queued jobs are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	d.pool.close()
	<-d.done
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[job.SessionID]; ok {
		// session already in the LRU queue
		q.jobs = append(q.jobs, job)
		return
	}
	d.queues[job.SessionID] = &sessionQueue{jobs: []Job{job}}
	d.positions[job.SessionID] = d.ready.PushBack(job.SessionID)
}

// dispatchOne get first session in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.logger.Warn().Str("record_id", job.RecordID).Msg("pool closed, job dropped")
		return false
	}
	d.logger.Debug().Str("record_id", job.RecordID).Str("session_id", job.SessionID).Msg("assign job")
	workerChan <- job
	return true
}

// next pops the head job of the least recently served session.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	sessionID := elem.Value.(string)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of the session, it leaves the queue
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
		delete(d.queues, sessionID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}
