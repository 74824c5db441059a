package middleware

import (
	"net/http"
	"sync"

	"github.com/ssuji15/loracloud/internal/metrics"
)

type request struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

// Limiter queues up to queueSize requests and serves at most maxInflight of
// them at once. Requests arriving at a full queue are rejected with 503.
type Limiter struct {
	queue     chan request
	inflight  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan request, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	l.wg.Add(1)
	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	defer l.wg.Done()
	for j := range l.queue {
		// blocks while every slot is taken
		l.inflight <- struct{}{}

		go func(j request) {
			defer func() {
				<-l.inflight
				close(j.done)
			}()

			// the caller gave up while queued
			if j.r.Context().Err() != nil {
				return
			}
			j.next.ServeHTTP(j.w, j.r)
		}(j)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := request{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- j:
			select {
			case <-j.done:
			case <-r.Context().Done():
				// wait for the worker so the handler never writes to a finished response
				<-j.done
				metrics.IncrementBackpressure("canceled")
			}
		default:
			metrics.IncrementBackpressure("queue_full")
			writeError(w, http.StatusServiceUnavailable, "Unavailable", "server busy")
		}
	})
}

// Close stops the dispatcher once queued requests have been handed out.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
}
