// Package runner executes the steps of a single job, strictly in order,
// stopping at the first failure.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cvhariharan/mill/pkg/artifacts"
	"github.com/cvhariharan/mill/pkg/executor"
	"github.com/cvhariharan/mill/pkg/models"
	"github.com/cvhariharan/mill/pkg/secrets"
	"github.com/cvhariharan/mill/pkg/utils"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const DefaultBuildDir = ".mill"

type Options struct {
	// SrcDir is tar-copied into an isolated per-job workspace under
	// BuildDir before the first step runs.
	SrcDir   string
	BuildDir string

	Secrets   secrets.Store
	Artifacts artifacts.Manager

	ExtraEnv       []string
	DefaultTimeout time.Duration
	MaxOutputBytes int

	Stdout io.Writer
	Stderr io.Writer

	// Local and Container override the built-in executors, mainly for
	// tests.
	Local     executor.Executor
	Container executor.Executor

	Docker executor.DockerOptions
	Logger *log.Logger
}

type JobRunner struct {
	job       *models.Job
	event     models.TriggerEvent
	opts      Options
	local     executor.Executor
	container executor.Executor
	logger    *log.Logger
}

func NewJobRunner(job *models.Job, event models.TriggerEvent, opts Options) *JobRunner {
	if opts.SrcDir == "" {
		opts.SrcDir = "."
	}
	if opts.BuildDir == "" {
		opts.BuildDir = DefaultBuildDir
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.StaticStore{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	local := opts.Local
	if local == nil {
		local = executor.NewProcessExecutor(opts.MaxOutputBytes)
	}
	container := opts.Container
	if container == nil {
		if opts.Docker.MaxOutputBytes == 0 {
			opts.Docker.MaxOutputBytes = opts.MaxOutputBytes
		}
		container = executor.NewDockerExecutor(opts.Docker)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &JobRunner{
		job:       job,
		event:     event,
		opts:      opts,
		local:     local,
		container: container,
		logger:    logger.With("job", job.Name),
	}
}

// Run executes every step in declaration order and returns one result per
// executed step. The first step failure aborts the rest; completed steps
// are not rolled back. Timeout and missing-secret causes are returned
// unmasked so callers can inspect them with errors.As.
func (r *JobRunner) Run(ctx context.Context) ([]models.StepResult, error) {
	workspace, err := r.prepareWorkspace()
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.job.Name, err)
	}
	// the workspace is disposable once steps have run and artifacts are
	// published; captured output carries the diagnostics
	defer os.RemoveAll(workspace)

	var results []models.StepResult
	for _, step := range r.job.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := r.runStep(ctx, step, workspace)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			return results, fmt.Errorf("job %s: %w", r.job.Name, err)
		}
	}

	if r.opts.Artifacts != nil && len(r.job.Artifacts) > 0 {
		if err := r.opts.Artifacts.Publish(r.job.Name, workspace, r.job.Artifacts); err != nil {
			return results, fmt.Errorf("job %s: %w", r.job.Name, err)
		}
	}

	return results, nil
}

func (r *JobRunner) runStep(ctx context.Context, step *models.Step, workspace string) (*models.StepResult, error) {
	r.logger.Info("running step", "step", step.Name)

	// secrets reach the step environment only here, at invocation time
	resolved, err := r.opts.Secrets.Resolve(ctx, step.Secrets)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.Name, err)
	}
	values := secrets.Values(resolved)

	stdout := secrets.NewRedactor(r.opts.Stdout, values)
	stderr := secrets.NewRedactor(r.opts.Stderr, values)

	spec := executor.Spec{
		Name:    step.Name,
		Command: step.Run,
		Env:     r.stepEnv(step, resolved),
		WorkDir: workspace,
		Timeout: r.stepTimeout(step),
		Stdout:  stdout,
		Stderr:  stderr,
	}

	exec := r.local
	switch {
	case step.Kind == models.ActionStep:
		spec.Image = step.Image
		exec = r.container
	case r.job.RunsOn != "" && r.job.RunsOn != "local":
		spec.Image = r.job.RunsOn
		exec = r.container
	}

	res, execErr := exec.Execute(ctx, spec)
	stdout.Flush()
	stderr.Flush()

	result := &models.StepResult{
		Name:     step.Name,
		ExitCode: res.ExitCode,
		Stdout:   secrets.Redact(res.Stdout, values),
		Stderr:   secrets.Redact(res.Stderr, values),
		Duration: res.Duration,
	}
	if execErr != nil {
		return result, execErr
	}
	if res.ExitCode != 0 {
		return result, &executor.StepExecutionError{Step: step.Name, ExitCode: res.ExitCode}
	}
	return result, nil
}

// prepareWorkspace isolates the job in its own copy of the source tree
// and pulls in artifacts published by its predecessors.
func (r *JobRunner) prepareWorkspace() (string, error) {
	workspace := filepath.Join(r.opts.BuildDir,
		fmt.Sprintf("src-%s-%s", slug.Make(r.job.Name), uuid.NewString()))
	if err := utils.TarCopy(r.opts.SrcDir, workspace); err != nil {
		return "", fmt.Errorf("unable to create workspace: %w", err)
	}

	if r.opts.Artifacts != nil && len(r.job.Needs) > 0 {
		if err := r.opts.Artifacts.Retrieve(workspace, r.job.Needs); err != nil {
			return "", err
		}
	}
	return workspace, nil
}

func (r *JobRunner) stepEnv(step *models.Step, resolved map[string]string) []string {
	env := []string{
		"MILL_JOB=" + r.job.Name,
		"MILL_REF=" + r.event.Ref,
		"MILL_REPOSITORY=" + r.event.Repository,
	}
	for k, v := range r.job.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range step.With {
		env = append(env, "INPUT_"+strings.ToUpper(k)+"="+v)
	}
	env = append(env, r.opts.ExtraEnv...)
	for k, v := range resolved {
		env = append(env, k+"="+v)
	}
	return env
}

func (r *JobRunner) stepTimeout(step *models.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	if r.job.Timeout > 0 {
		return r.job.Timeout.Std()
	}
	return r.opts.DefaultTimeout
}
