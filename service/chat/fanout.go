package chat

import (
	"github.com/stafflink/stafflink/logger"
)

type fanoutJob struct {
	sessions []*Session
	payload  []byte
}

// Fanout pushes one encoded frame to many local sessions off the broker
// subscriber's goroutine. A session whose queue is full is handed to
// onSlow (torn down by the server); the remaining recipients still get
// their copy.
type Fanout struct {
	jobs   chan fanoutJob
	onSlow func(*Session)
}

func NewFanout(workers, queue int, onSlow func(*Session)) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue), onSlow: onSlow}
	for i := 0; i < workers; i++ {
		go f.worker()
	}
	return f
}

func (f *Fanout) worker() {
	for job := range f.jobs {
		for _, s := range job.sessions {
			if s.enqueue(job.payload) {
				continue
			}
			logger.Warnf("[fanout] slow client, dropping conn=%s user=%s", s.ConnID, s.UserID)
			if f.onSlow != nil {
				f.onSlow(s)
			}
		}
	}
}

func (f *Fanout) Broadcast(sessions []*Session, payload []byte) {
	if len(sessions) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{sessions: sessions, payload: payload}
}
