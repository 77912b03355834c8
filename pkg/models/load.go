package models

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ActionPrefix is the only supported action reference scheme. The engine
// has no marketplace to fetch from, so every action is a container image.
const ActionPrefix = "docker://"

// ConfigurationError is fatal and raised before any job starts.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Reason, e.Err)
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErr(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadWorkflow parses and validates a workflow definition. Step variants
// are resolved here, once, so the runner never dispatches on raw strings.
func LoadWorkflow(contents []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(contents, &wf); err != nil {
		return nil, &ConfigurationError{Reason: "unable to parse workflow", Err: err}
	}

	if err := validate.Struct(wf); err != nil {
		return nil, &ConfigurationError{Reason: "invalid workflow", Err: err}
	}

	if err := validatePredicate("on.push", wf.On.Push); err != nil {
		return nil, err
	}

	names := make(map[string]*Job)
	for _, job := range wf.Jobs {
		names[job.Name] = job
	}

	for _, job := range wf.Jobs {
		if err := validatePredicate(fmt.Sprintf("jobs.%s.if", job.Name), job.If); err != nil {
			return nil, err
		}
		for _, dep := range job.Needs {
			if _, ok := names[dep]; !ok {
				return nil, configErr("job %s needs undefined job %s", job.Name, dep)
			}
			if dep == job.Name {
				return nil, configErr("job %s cannot need itself", job.Name)
			}
		}
		for _, step := range job.Steps {
			if err := resolveStep(job.Name, step); err != nil {
				return nil, err
			}
		}
	}

	if err := checkCycles(wf.Jobs, names); err != nil {
		return nil, err
	}

	return &wf, nil
}

// LoadEvent parses a trigger event specification.
func LoadEvent(contents []byte) (*TriggerEvent, error) {
	var ev TriggerEvent
	if err := yaml.Unmarshal(contents, &ev); err != nil {
		return nil, &ConfigurationError{Reason: "unable to parse event", Err: err}
	}
	if err := validate.Struct(ev); err != nil {
		return nil, &ConfigurationError{Reason: "invalid event", Err: err}
	}
	return &ev, nil
}

func resolveStep(jobName string, step *Step) error {
	switch {
	case step.Run != "" && step.Uses != "":
		return configErr("step %s in job %s declares both run and uses", step.Name, jobName)
	case step.Run != "":
		step.Kind = ShellStep
		if len(step.With) > 0 {
			return configErr("step %s in job %s: with parameters are only valid for uses steps", step.Name, jobName)
		}
	case step.Uses != "":
		step.Kind = ActionStep
		if !strings.HasPrefix(step.Uses, ActionPrefix) {
			return configErr("step %s in job %s: unsupported action reference %s", step.Name, jobName, step.Uses)
		}
		step.Image = strings.TrimPrefix(step.Uses, ActionPrefix)
		if step.Image == "" {
			return configErr("step %s in job %s: empty image reference", step.Name, jobName)
		}
	default:
		return configErr("step %s in job %s declares neither run nor uses", step.Name, jobName)
	}
	return nil
}

func validatePredicate(where string, p *Predicate) error {
	if p == nil {
		return nil
	}
	for _, pattern := range append(append([]string{}, p.Branches...), p.Paths...) {
		if !doublestar.ValidatePattern(pattern) {
			return configErr("%s: malformed pattern %q", where, pattern)
		}
	}
	return nil
}

func checkCycles(jobs JobList, byName map[string]*Job) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(jobs))

	var visit func(job *Job) error
	visit = func(job *Job) error {
		switch state[job.Name] {
		case visiting:
			return configErr("dependency cycle through job %s", job.Name)
		case done:
			return nil
		}
		state[job.Name] = visiting
		for _, dep := range job.Needs {
			if err := visit(byName[dep]); err != nil {
				return err
			}
		}
		state[job.Name] = done
		return nil
	}

	for _, job := range jobs {
		if err := visit(job); err != nil {
			return err
		}
	}
	return nil
}
