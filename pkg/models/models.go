package models

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a run or a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// SkipReason records why a job was skipped. Only condition skips count as
// by-design when deciding the overall run status.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipCondition  SkipReason = "condition"
	SkipDependency SkipReason = "dependency"
	SkipAborted    SkipReason = "aborted"
)

// TriggerEvent is the external occurrence a workflow is matched against.
// Immutable once loaded.
type TriggerEvent struct {
	Ref          string   `yaml:"ref" validate:"required"`
	Repository   string   `yaml:"repository"`
	ChangedPaths []string `yaml:"changed_paths"`
}

// Branch returns the branch name, with any refs/heads/ prefix stripped.
func (e TriggerEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Predicate gates a workflow or job on the trigger event. An empty list
// always matches.
type Predicate struct {
	Branches []string `yaml:"branches"`
	Paths    []string `yaml:"paths"`
}

type Trigger struct {
	Push *Predicate `yaml:"push"`
}

type Workflow struct {
	Name string  `yaml:"name" validate:"required"`
	On   Trigger `yaml:"on"`
	Jobs JobList `yaml:"jobs" validate:"required,dive"`
}

// JobList preserves the declaration order of the jobs mapping.
type JobList []*Job

func (l *JobList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("jobs must be a mapping, got %s", node.Tag)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var job Job
		if err := node.Content[i+1].Decode(&job); err != nil {
			return err
		}
		job.Name = node.Content[i].Value
		*l = append(*l, &job)
	}
	return nil
}

// Job is an independently schedulable sequence of steps. An empty RunsOn
// runs shell steps as local child processes, anything else names a
// container image the steps run in.
type Job struct {
	Name      string            `yaml:"-"`
	RunsOn    string            `yaml:"runs-on"`
	Needs     []string          `yaml:"needs"`
	If        *Predicate        `yaml:"if"`
	Env       map[string]string `yaml:"env"`
	Steps     []*Step           `yaml:"steps" validate:"required,min=1,dive"`
	Artifacts []string          `yaml:"artifacts"`
	Timeout   Duration          `yaml:"timeout"`
}

// StepKind is the step variant, resolved once at workflow load time.
type StepKind int

const (
	// ShellStep runs a command through the shell.
	ShellStep StepKind = iota
	// ActionStep runs a referenced container image.
	ActionStep
)

type Step struct {
	Name    string            `yaml:"name" validate:"required"`
	Run     string            `yaml:"run"`
	Uses    string            `yaml:"uses"`
	With    map[string]string `yaml:"with"`
	Env     map[string]string `yaml:"env"`
	Secrets []string          `yaml:"secrets"`
	Timeout Duration          `yaml:"timeout"`

	// Set by LoadWorkflow.
	Kind  StepKind `yaml:"-"`
	Image string   `yaml:"-"`
}

// Duration wraps time.Duration so timeouts can be written as "30s" or
// "10m" in workflow files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StepResult is the captured outcome of one executed step. Output is
// stored secret-redacted.
type StepResult struct {
	Name     string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// JobState tracks one job inside a run record.
type JobState struct {
	Name       string
	Status     Status
	SkipReason SkipReason
	Cause      string
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecord is the mutable record of one workflow execution. It is created
// at trigger time and terminal once every job has a final status. Secret
// values are never copied into it.
type RunRecord struct {
	ID           string
	Workflow     string
	Event        TriggerEvent
	Status       Status
	Jobs         []*JobState
	FirstFailure string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Job returns the state for the named job, or nil.
func (r *RunRecord) Job(name string) *JobState {
	for _, j := range r.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}
