// Package pool implements the feature-extraction worker pool: a lazily
// started, dynamically resizable pool of goroutines that drains the
// analysis queue in batches, with pool-crash detection, retry-ladder
// classification, and periodic maintenance over the track repository.
package pool

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// jobResult is the outcome of one goroutine-pool submission.
type jobResult struct {
	job      domain.Job
	features domain.Features
	err      error
	crashed  bool
}

// workerPool is a fixed-size goroutine pool. Each submitted task runs on
// whichever goroutine picks it up next; a panicking task is recovered and
// reported as a crashed jobResult instead of taking the whole pool down,
// standing in for the "process pool worker terminated abruptly" case a
// true OS process pool would raise.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	p := &workerPool{tasks: make(chan func(), size*4)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// submitJob runs analyze(job) on a pool goroutine and writes the result to
// out. A panic inside analyze is recovered and reported as a crash.
func (p *workerPool) submitJob(job domain.Job, out chan<- jobResult, analyze func(domain.Job) (domain.Features, error)) {
	p.tasks <- func() {
		defer func() {
			if r := recover(); r != nil {
				out <- jobResult{job: job, crashed: true, err: fmt.Errorf("worker pool crashed: %v", r)}
			}
		}()
		f, err := analyze(job)
		out <- jobResult{job: job, features: f, err: err}
	}
}

// healthCheck submits a no-op and waits for it to run, proving the pool's
// goroutines are alive and its task channel isn't wedged.
func (p *workerPool) healthCheck() <-chan struct{} {
	done := make(chan struct{}, 1)
	p.tasks <- func() { done <- struct{}{} }
	return done
}

// shutdown closes the task channel and waits for all goroutines to drain.
func (p *workerPool) shutdown() {
	close(p.tasks)
	p.wg.Wait()
}
