package runner

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cvhariharan/mill/pkg/executor"
	"github.com/cvhariharan/mill/pkg/models"
	"github.com/cvhariharan/mill/pkg/secrets"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	result executor.Result
	err    error
	stdout string
}

// fakeExecutor records every invocation and plays back scripted results
// keyed by step name.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []executor.Spec
	scripts map[string]scripted
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{scripts: make(map[string]scripted)}
}

func (f *fakeExecutor) Execute(ctx context.Context, spec executor.Spec) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	script := f.scripts[spec.Name]
	f.mu.Unlock()

	if script.stdout != "" && spec.Stdout != nil {
		spec.Stdout.Write([]byte(script.stdout))
	}
	return script.result, script.err
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		names = append(names, call.Name)
	}
	return names
}

func shellStep(name, command string) *models.Step {
	return &models.Step{Name: name, Run: command, Kind: models.ShellStep}
}

func testOptions(t *testing.T, local, container executor.Executor) Options {
	t.Helper()
	return Options{
		SrcDir:    t.TempDir(),
		BuildDir:  t.TempDir(),
		Local:     local,
		Container: container,
	}
}

func TestRunAllStepsSucceed(t *testing.T) {
	fake := newFakeExecutor()
	job := &models.Job{
		Name:  "build",
		Steps: []*models.Step{shellStep("one", "true"), shellStep("two", "true")},
	}

	results, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, fake, nil)).
		Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []string{"one", "two"}, fake.executed())
}

func TestRunFailFast(t *testing.T) {
	fake := newFakeExecutor()
	fake.scripts["two"] = scripted{result: executor.Result{ExitCode: 1}}

	job := &models.Job{
		Name: "build",
		Steps: []*models.Step{
			shellStep("one", "true"),
			shellStep("two", "false"),
			shellStep("three", "true"),
			shellStep("four", "true"),
		},
	}

	results, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, fake, nil)).
		Run(context.Background())

	var stepErr *executor.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "two", stepErr.Step)
	require.Equal(t, 1, stepErr.ExitCode)

	// steps after the failure never execute, one record per executed step
	require.Len(t, results, 2)
	require.Equal(t, []string{"one", "two"}, fake.executed())
}

func TestRunMissingSecret(t *testing.T) {
	fake := newFakeExecutor()
	job := &models.Job{
		Name: "release",
		Steps: []*models.Step{
			{Name: "push", Run: "true", Kind: models.ShellStep, Secrets: []string{"REGISTRY_TOKEN"}},
		},
	}

	opts := testOptions(t, fake, nil)
	opts.Secrets = secrets.StaticStore{}

	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, opts).Run(context.Background())

	var missing *secrets.MissingSecretError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "REGISTRY_TOKEN", missing.Name)
	require.Empty(t, fake.executed(), "the step must not run without its secrets")
}

func TestRunTimeoutPropagates(t *testing.T) {
	fake := newFakeExecutor()
	fake.scripts["slow"] = scripted{err: &executor.TimeoutError{Step: "slow", Limit: time.Second}}

	job := &models.Job{
		Name:  "build",
		Steps: []*models.Step{shellStep("slow", "sleep 10"), shellStep("after", "true")},
	}

	results, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, fake, nil)).
		Run(context.Background())

	var timeout *executor.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Len(t, results, 1)
	require.Equal(t, []string{"slow"}, fake.executed())
}

func TestRunRedactsSecrets(t *testing.T) {
	fake := newFakeExecutor()
	fake.scripts["leak"] = scripted{
		stdout: "token=hunter2\n",
		result: executor.Result{Stdout: "token=hunter2\n"},
	}

	job := &models.Job{
		Name: "release",
		Steps: []*models.Step{
			{Name: "leak", Run: "echo $TOKEN", Kind: models.ShellStep, Secrets: []string{"TOKEN"}},
		},
	}

	var out bytes.Buffer
	opts := testOptions(t, fake, nil)
	opts.Secrets = secrets.StaticStore{"TOKEN": "hunter2"}
	opts.Stdout = &out

	results, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, opts).Run(context.Background())
	require.NoError(t, err)

	require.Zero(t, strings.Count(out.String(), "hunter2"))
	require.GreaterOrEqual(t, strings.Count(out.String(), secrets.Mask), 1)

	require.Len(t, results, 1)
	require.NotContains(t, results[0].Stdout, "hunter2")
	require.Contains(t, results[0].Stdout, secrets.Mask)
}

func TestRunStepEnv(t *testing.T) {
	fake := newFakeExecutor()
	job := &models.Job{
		Name: "build",
		Env:  map[string]string{"JOB_VAR": "a"},
		Steps: []*models.Step{
			{Name: "env", Run: "env", Kind: models.ShellStep, Env: map[string]string{"STEP_VAR": "b"}},
		},
	}

	opts := testOptions(t, fake, nil)
	opts.ExtraEnv = []string{"CLI_VAR=c"}
	opts.Secrets = secrets.StaticStore{}

	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "refs/heads/main", Repository: "acme/site"}, opts).
		Run(context.Background())
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	env := fake.calls[0].Env
	require.Contains(t, env, "JOB_VAR=a")
	require.Contains(t, env, "STEP_VAR=b")
	require.Contains(t, env, "CLI_VAR=c")
	require.Contains(t, env, "MILL_JOB=build")
	require.Contains(t, env, "MILL_REF=refs/heads/main")
	require.Contains(t, env, "MILL_REPOSITORY=acme/site")
}

func TestRunExecutorSelection(t *testing.T) {
	local := newFakeExecutor()
	container := newFakeExecutor()

	job := &models.Job{
		Name: "mixed",
		Steps: []*models.Step{
			shellStep("local step", "true"),
			{Name: "action step", Kind: models.ActionStep, Image: "docker.io/library/alpine:3"},
		},
	}

	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, local, container)).
		Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"local step"}, local.executed())
	require.Equal(t, []string{"action step"}, container.executed())
	require.Equal(t, "docker.io/library/alpine:3", container.calls[0].Image)
}

func TestRunContainerizedJob(t *testing.T) {
	local := newFakeExecutor()
	container := newFakeExecutor()

	job := &models.Job{
		Name:   "containerized",
		RunsOn: "docker.io/library/golang:1.22",
		Steps:  []*models.Step{shellStep("build", "go build ./...")},
	}

	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, local, container)).
		Run(context.Background())
	require.NoError(t, err)

	require.Empty(t, local.executed())
	require.Equal(t, []string{"build"}, container.executed())
	require.Equal(t, "docker.io/library/golang:1.22", container.calls[0].Image)
}

func TestRunRemovesWorkspace(t *testing.T) {
	fake := newFakeExecutor()
	fake.scripts["two"] = scripted{result: executor.Result{ExitCode: 1}}

	opts := testOptions(t, fake, nil)

	job := &models.Job{
		Name:  "build",
		Steps: []*models.Step{shellStep("one", "true")},
	}
	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, opts).Run(context.Background())
	require.NoError(t, err)

	failing := &models.Job{
		Name:  "broken",
		Steps: []*models.Step{shellStep("two", "false")},
	}
	_, err = NewJobRunner(failing, models.TriggerEvent{Ref: "main"}, opts).Run(context.Background())
	require.Error(t, err)

	// workspaces are removed whether the job succeeds or fails
	entries, err := os.ReadDir(opts.BuildDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunWithParams(t *testing.T) {
	container := newFakeExecutor()
	job := &models.Job{
		Name: "release",
		Steps: []*models.Step{
			{
				Name:  "push",
				Kind:  models.ActionStep,
				Image: "docker.io/library/alpine:3",
				With:  map[string]string{"tag": "latest"},
			},
		},
	}

	_, err := NewJobRunner(job, models.TriggerEvent{Ref: "main"}, testOptions(t, nil, container)).
		Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, container.calls[0].Env, "INPUT_TAG=latest")
}
