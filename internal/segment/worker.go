package segment

import (
	"log"
	"time"
)

// Start launches the writer worker. It is a no-op while a worker is running.
func (w *Writer) Start() {
	w.ctlMu.Lock()
	defer w.ctlMu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return
		}
	}
	stop, done := make(chan struct{}), make(chan struct{})
	w.stop, w.done = stop, done
	go w.run(stop, done)
}

// Stop signals the worker and waits up to timeout for it to exit.
func (w *Writer) Stop(timeout time.Duration) bool {
	w.ctlMu.Lock()
	stop, done := w.stop, w.done
	w.stop = nil
	w.ctlMu.Unlock()
	if done == nil {
		return true
	}
	if stop != nil {
		close(stop)
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Printf("WARN segment: writer worker did not stop within %v", timeout)
		return false
	}
}

// Running reports whether the worker is alive.
func (w *Writer) Running() bool {
	done := w.workerDone()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (w *Writer) workerDone() chan struct{} {
	w.ctlMu.Lock()
	defer w.ctlMu.Unlock()
	return w.done
}

func (w *Writer) run(stop, done chan struct{}) {
	defer close(done)
	log.Println("Writer loop started.")
	defer log.Println("Writer loop stopped.")
	for {
		select {
		case <-stop:
			return
		case it := <-w.queue.ch:
			if it.marker != nil {
				close(it.marker)
				continue
			}
			w.writeQueued(it)
		}
	}
}

// drain blocks until every batch queued before the call has been written, the
// worker exits, or the drain timeout passes. With no live worker the queue is
// drained inline.
func (w *Writer) drain() bool {
	done := w.workerDone()
	if done == nil || !w.Running() {
		w.drainInline()
		return true
	}

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()

	marker := make(chan struct{})
	select {
	case w.queue.ch <- item{marker: marker}:
	case <-done:
		w.drainInline()
		return true
	case <-timer.C:
		log.Printf("WARN segment: drain timed out after %v (queue full), pending batches will be discarded", w.cfg.DrainTimeout)
		return false
	}

	select {
	case <-marker:
		return true
	case <-done:
		w.drainInline()
		return true
	case <-timer.C:
		log.Printf("WARN segment: drain timed out after %v, discarding %d pending batches", w.cfg.DrainTimeout, w.queue.Len())
		return false
	}
}

func (w *Writer) drainInline() {
	for {
		select {
		case it := <-w.queue.ch:
			if it.marker != nil {
				close(it.marker)
				continue
			}
			w.writeQueued(it)
		default:
			return
		}
	}
}
