package worker

// Worker runs jobs handed to its channel until it is told to stop.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	handle     func(Job)
}

func NewWorker(pool *jobChannelPool, handle func(Job)) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		handle:     handle,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			// back to the idle queue, then wait for the next job
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.handle(job)
		}
	}()
}
