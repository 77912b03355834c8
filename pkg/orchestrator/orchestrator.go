// Package orchestrator resolves trigger events into runs and drives jobs
// through their lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cvhariharan/mill/pkg/artifacts"
	"github.com/cvhariharan/mill/pkg/condition"
	"github.com/cvhariharan/mill/pkg/executor"
	"github.com/cvhariharan/mill/pkg/models"
	"github.com/cvhariharan/mill/pkg/runner"
	"github.com/cvhariharan/mill/pkg/secrets"
	"github.com/cvhariharan/mill/pkg/store"
	"github.com/cvhariharan/mill/pkg/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentJobs = 4
	DefaultArtifactsDir      = ".artifacts"
)

type Options struct {
	MaxConcurrentJobs int

	SrcDir       string
	BuildDir     string
	ArtifactsDir string

	Secrets            secrets.Store
	ExtraEnv           []string
	DefaultStepTimeout time.Duration
	Docker             executor.DockerOptions

	// Local and Container override the step executors, mainly for tests.
	Local     executor.Executor
	Container executor.Executor

	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

type Orchestrator struct {
	opts   Options
	runs   store.Store[*models.RunRecord]
	logger *log.Logger

	// guards every run record this orchestrator owns
	mu sync.Mutex
}

func New(opts Options) *Orchestrator {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = DefaultArtifactsDir
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Orchestrator{
		opts:   opts,
		runs:   store.NewMemStore[*models.RunRecord](),
		logger: logger.With("component", "orchestrator"),
	}
}

// Run executes the workflow for one trigger event and blocks until the
// run record is terminal. Jobs without dependency edges run concurrently,
// bounded by MaxConcurrentJobs; a failed job fails the run but never
// stops independent siblings. The returned record is complete even when
// the run failed.
func (o *Orchestrator) Run(ctx context.Context, wf *models.Workflow, ev models.TriggerEvent) (*models.RunRecord, error) {
	wfCond, err := condition.Compile(wf.On.Push)
	if err != nil {
		return nil, err
	}
	jobConds := make(map[string]*condition.Condition, len(wf.Jobs))
	for _, job := range wf.Jobs {
		cond, err := condition.Compile(job.If)
		if err != nil {
			return nil, err
		}
		jobConds[job.Name] = cond
	}

	rec := newRunRecord(wf, ev)
	if err := o.runs.Set(rec.ID, rec); err != nil {
		return nil, err
	}
	o.logger.Info("run created", "run", rec.ID, "workflow", wf.Name, "ref", ev.Ref)

	if !wfCond.Evaluate(ev) {
		for _, state := range rec.Jobs {
			state.Status = models.StatusSkipped
			state.SkipReason = models.SkipCondition
		}
		rec.Status = models.StatusSkipped
		rec.FinishedAt = time.Now()
		o.logger.Info("run skipped", "run", rec.ID)
		return rec, nil
	}

	rec.Status = models.StatusRunning

	manager, err := artifacts.NewLocalManager(o.opts.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare artifacts directory: %w", err)
	}

	sem := semaphore.NewWeighted(int64(o.opts.MaxConcurrentJobs))
	done := make(map[string]chan struct{}, len(wf.Jobs))
	for _, job := range wf.Jobs {
		done[job.Name] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for _, job := range wf.Jobs {
		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer close(done[job.Name])
			o.runJob(ctx, rec, ev, job, jobConds[job.Name], manager, sem, done)
		}(job)
	}
	wg.Wait()

	o.finish(rec)
	if err := o.runs.Update(rec.ID, rec); err != nil {
		return nil, err
	}
	o.logger.Info("run finished", "run", rec.ID, "status", rec.Status)
	return rec, nil
}

func (o *Orchestrator) runJob(ctx context.Context, rec *models.RunRecord, ev models.TriggerEvent,
	job *models.Job, cond *condition.Condition, manager artifacts.Manager,
	sem *semaphore.Weighted, done map[string]chan struct{}) {

	state := rec.Job(job.Name)

	for _, dep := range job.Needs {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			o.skip(state, models.SkipAborted)
			return
		}
	}

	if reason, skip := o.dependencySkip(rec, job); skip {
		o.skip(state, reason)
		o.logger.Info("job skipped", "run", rec.ID, "job", job.Name, "reason", reason)
		return
	}

	if !cond.Evaluate(ev) {
		o.skip(state, models.SkipCondition)
		o.logger.Info("job skipped", "run", rec.ID, "job", job.Name, "reason", models.SkipCondition)
		return
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		o.skip(state, models.SkipAborted)
		return
	}
	defer sem.Release(1)

	o.mu.Lock()
	state.Status = models.StatusRunning
	state.StartedAt = time.Now()
	o.mu.Unlock()
	o.logger.Info("job started", "run", rec.ID, "job", job.Name)

	stdout, stderr := utils.NewColorLoggerPair(job.Name, o.opts.Stdout, o.opts.Stderr)
	jobRunner := runner.NewJobRunner(job, ev, runner.Options{
		SrcDir:         o.opts.SrcDir,
		BuildDir:       o.opts.BuildDir,
		Secrets:        o.opts.Secrets,
		Artifacts:      manager,
		ExtraEnv:       o.opts.ExtraEnv,
		DefaultTimeout: o.opts.DefaultStepTimeout,
		MaxOutputBytes: o.opts.Docker.MaxOutputBytes,
		Stdout:         stdout,
		Stderr:         stderr,
		Local:          o.opts.Local,
		Container:      o.opts.Container,
		Docker:         o.opts.Docker,
		Logger:         o.opts.Logger,
	})
	steps, err := jobRunner.Run(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	state.Steps = steps
	state.FinishedAt = time.Now()
	if err != nil {
		state.Status = models.StatusFailed
		state.Cause = err.Error()
		if rec.FirstFailure == "" {
			rec.FirstFailure = err.Error()
		}
		o.logger.Error("job failed", "run", rec.ID, "job", job.Name, "cause", err)
		return
	}
	state.Status = models.StatusSucceeded
	o.logger.Info("job succeeded", "run", rec.ID, "job", job.Name)
}

// dependencySkip decides whether a job may start based on its
// predecessors' terminal states. A skipped-by-design predecessor
// propagates a by-design skip; anything else that kept a predecessor
// from succeeding skips the dependent by dependency failure.
func (o *Orchestrator) dependencySkip(rec *models.RunRecord, job *models.Job) (models.SkipReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range job.Needs {
		depState := rec.Job(dep)
		switch depState.Status {
		case models.StatusSucceeded:
		case models.StatusSkipped:
			if depState.SkipReason == models.SkipCondition {
				return models.SkipCondition, true
			}
			return depState.SkipReason, true
		default:
			return models.SkipDependency, true
		}
	}
	return models.SkipNone, false
}

func (o *Orchestrator) skip(state *models.JobState, reason models.SkipReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state.Status = models.StatusSkipped
	state.SkipReason = reason
}

// finish collapses per-job states into the run status: Failed if any job
// failed or was kept from running by a failure or abort, Succeeded only
// when every job succeeded or was skipped by design.
func (o *Orchestrator) finish(rec *models.RunRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := models.StatusSucceeded
	for _, state := range rec.Jobs {
		if state.Status == models.StatusFailed {
			status = models.StatusFailed
			break
		}
		if state.Status == models.StatusSkipped && state.SkipReason != models.SkipCondition {
			status = models.StatusFailed
			break
		}
	}
	rec.Status = status
	rec.FinishedAt = time.Now()
}

// Record returns the run record for an id.
func (o *Orchestrator) Record(id string) (*models.RunRecord, error) {
	return o.runs.Get(id)
}

func newRunRecord(wf *models.Workflow, ev models.TriggerEvent) *models.RunRecord {
	rec := &models.RunRecord{
		ID:        uuid.NewString(),
		Workflow:  wf.Name,
		Event:     ev,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
	for _, job := range wf.Jobs {
		rec.Jobs = append(rec.Jobs, &models.JobState{
			Name:   job.Name,
			Status: models.StatusPending,
		})
	}
	return rec
}
