package worker

import (
	"github.com/pkg/errors"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job asks a worker to generate the fields of one change-feed record.
type Job struct {
	RecordID  string
	SessionID string
	Agent     string
	Prompt    string
	Fields    []string

	stop bool
}

var stopJob = Job{stop: true}
