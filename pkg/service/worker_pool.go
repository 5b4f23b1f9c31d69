package service

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/storage"
	"github.com/pkg/errors"
)

// MaterializeJob names one workflow due for a run. Asset jobs consume the
// workflow's queued asset events; time jobs go through the run gate at Now.
type MaterializeJob struct {
	WorkflowID string
	Asset      bool
	Now        time.Time
}

// JobResult reports the outcome of one job. Run is nil when nothing was
// created, which also covers the benign lost-race on the run id.
type JobResult struct {
	WorkflowID string
	Run        *models.Run
	Err        error
}

// batchState tracks one Dispatch call until its last job lands.
type batchState struct {
	results []JobResult
	pending int
	done    chan struct{}
	mu      sync.Mutex
}

func (b *batchState) complete(res JobResult) {
	b.mu.Lock()
	b.results = append(b.results, res)
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
	b.mu.Unlock()
}

// queuedJob is a job bound to its batch and the tick's context.
type queuedJob struct {
	job   MaterializeJob
	ctx   context.Context
	batch *batchState
}

// WorkerPool fans a scheduler tick out over a fixed set of workers. Each
// job materializes at most one run in its own transaction, so two workers
// never contend on anything but the database. A duplicate run id from a
// racing scheduler is downgraded to a no-op here.
type WorkerPool struct {
	runs    *RunService
	logger  Logger
	jobChan chan queuedJob
	wg      sync.WaitGroup
	ctx     context.Context
}

func NewWorkerPool(mainCtx context.Context, runs *RunService, logger Logger) *WorkerPool {
	return &WorkerPool{
		runs:   runs,
		logger: logger,
		ctx:    mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers.
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan queuedJob, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool, draining queued jobs first.
func (wp *WorkerPool) Stop() {
	if wp.jobChan == nil {
		return
	}
	close(wp.jobChan)
	wp.wg.Wait()
}

// Dispatch submits one batch of jobs and waits for all of them. Results
// are sorted by workflow id. A pool that was never started fails every job
// instead of blocking on the missing workers.
func (wp *WorkerPool) Dispatch(ctx context.Context, jobs []MaterializeJob) []JobResult {
	if len(jobs) == 0 {
		return nil
	}
	if wp.jobChan == nil {
		results := make([]JobResult, len(jobs))
		for i, job := range jobs {
			results[i] = JobResult{WorkflowID: job.WorkflowID, Err: errors.New("worker pool is not started")}
		}
		sort.Slice(results, func(i, j int) bool {
			return results[i].WorkflowID < results[j].WorkflowID
		})
		return results
	}
	batch := &batchState{
		pending: len(jobs),
		done:    make(chan struct{}),
	}
	for _, job := range jobs {
		wp.jobChan <- queuedJob{job: job, ctx: ctx, batch: batch}
	}
	<-batch.done

	sort.Slice(batch.results, func(i, j int) bool {
		return batch.results[i].WorkflowID < batch.results[j].WorkflowID
	})
	return batch.results
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for qj := range wp.jobChan {
		qj.batch.complete(wp.materialize(qj))
	}
}

func (wp *WorkerPool) materialize(qj queuedJob) JobResult {
	job := qj.job
	res := JobResult{WorkflowID: job.WorkflowID}
	if err := qj.ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := wp.ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	var run *models.Run
	var err error
	if job.Asset {
		run, err = wp.runs.MaterializeAssetRun(job.WorkflowID)
	} else {
		run, err = wp.runs.ScheduleNextRun(job.WorkflowID, job.Now)
	}
	if errors.Cause(err) == storage.ErrAlreadyExists {
		wp.logger.Infof("Run for workflow '%s' was materialized concurrently, skipping", job.WorkflowID)
		return res
	}
	if err != nil {
		wp.logger.Errorf("Failed to materialize run for workflow '%s': %v", job.WorkflowID, err)
		res.Err = err
		return res
	}
	res.Run = run
	return res
}
