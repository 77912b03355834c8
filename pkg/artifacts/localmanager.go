package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cvhariharan/mill/pkg/store"
	"github.com/cvhariharan/mill/pkg/utils"
	"github.com/gosimple/slug"
)

// Manager moves artifacts between job workspaces within one run.
type Manager interface {
	// Publish archives the given workspace-relative paths produced by
	// jobName so dependent jobs can retrieve them.
	Publish(jobName, workspace string, paths []string) error

	// Retrieve extracts everything the named jobs published into
	// workspace, at the paths they were published from. Jobs that
	// published nothing are skipped.
	Retrieve(workspace string, jobs []string) error
}

// LocalManager keeps artifacts as tar.gz archives in a directory on the
// host, indexed by producing job.
type LocalManager struct {
	artifactsDir string
	index        store.Store[[]string]
}

// NewLocalManager clears any previous artifacts and prepares a fresh
// directory for this run.
func NewLocalManager(artifactsDir string) (*LocalManager, error) {
	if _, err := os.Stat(artifactsDir); err == nil {
		if err := os.RemoveAll(artifactsDir); err != nil {
			return nil, fmt.Errorf("could not remove %s directory: %w", artifactsDir, err)
		}
	}
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create %s directory: %w", artifactsDir, err)
	}

	return &LocalManager{
		artifactsDir: artifactsDir,
		index:        store.NewMemStore[[]string](),
	}, nil
}

func (l *LocalManager) Publish(jobName, workspace string, paths []string) error {
	archives := make([]string, 0, len(paths))
	for _, p := range paths {
		rel := filepath.Clean(p)
		if filepath.IsAbs(rel) {
			return fmt.Errorf("artifact path %s must be workspace-relative", p)
		}
		if _, err := os.Stat(filepath.Join(workspace, rel)); err != nil {
			return fmt.Errorf("artifact %s was not produced by job %s: %w", p, jobName, err)
		}

		f, err := os.CreateTemp(l.artifactsDir, slug.Make(jobName)+"-*.tar.gz")
		if err != nil {
			return fmt.Errorf("could not create artifact archive for %s: %w", jobName, err)
		}
		f.Close()

		if err := utils.Compress(workspace, rel, f.Name()); err != nil {
			return fmt.Errorf("could not archive artifact %s from job %s: %w", p, jobName, err)
		}
		archives = append(archives, f.Name())
	}

	return l.index.Set(jobName, archives)
}

func (l *LocalManager) Retrieve(workspace string, jobs []string) error {
	for _, job := range jobs {
		archives, err := l.index.Get(job)
		if errors.Is(err, store.ErrKeyDoesntExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, archive := range archives {
			if err := utils.Decompress(archive, workspace); err != nil {
				return fmt.Errorf("could not retrieve artifacts of job %s: %w", job, err)
			}
		}
	}
	return nil
}
