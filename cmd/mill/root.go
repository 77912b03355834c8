package mill

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cvhariharan/mill/pkg/config"
	"github.com/cvhariharan/mill/pkg/executor"
	"github.com/cvhariharan/mill/pkg/models"
	"github.com/cvhariharan/mill/pkg/orchestrator"
	"github.com/cvhariharan/mill/pkg/secrets"
	"github.com/spf13/cobra"
)

var (
	eventFilePath     string
	srcDir            string
	envVars           []string
	secretsFile       string
	maxJobs           int
	mountDockerSocket bool
	username          string
	password          string
)

var rootCmd = &cobra.Command{
	Use:   "mill",
	Short: "Mill is a minimal pipeline engine",
	Long: `Mill is a minimal pipeline engine that matches a workflow file against a
trigger event and runs the selected jobs. Jobs without dependency edges run
concurrently; steps run as local processes or inside docker containers.`,
}

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow against a trigger event",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run(args[0]))
	},
}

func init() {
	runCmd.Flags().StringVar(&eventFilePath, "event", "", "Path to the trigger event file.")
	runCmd.MarkFlagRequired("event")
	runCmd.Flags().StringVar(&srcDir, "src", ".", "Source directory copied into each job workspace.")
	runCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Environment variables. KEY=VALUE")
	runCmd.Flags().StringVar(&secretsFile, "secrets-file", "", "Resolve secrets from a YAML file instead of the configured backend.")
	runCmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Maximum number of concurrently running jobs.")
	runCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount the docker socket into step containers. Required for steps that build images.")
	runCmd.Flags().StringVarP(&username, "registry-username", "u", "", "Username for the container registry")
	runCmd.Flags().StringVarP(&password, "registry-password", "p", "", "Password / Token for the container registry")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exit codes of the run command
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitSkipped   = 2
)

func run(workflowPath string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal("unable to load configuration", "error", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: level})

	contents, err := os.ReadFile(filepath.Clean(workflowPath))
	if err != nil {
		logger.Fatal("unable to read workflow file", "error", err)
	}
	wf, err := models.LoadWorkflow(contents)
	if err != nil {
		logger.Fatal("invalid workflow", "error", err)
	}

	contents, err = os.ReadFile(filepath.Clean(eventFilePath))
	if err != nil {
		logger.Fatal("unable to read event file", "error", err)
	}
	ev, err := models.LoadEvent(contents)
	if err != nil {
		logger.Fatal("invalid event", "error", err)
	}

	extraEnv := make([]string, 0, len(envVars))
	for _, v := range envVars {
		if !strings.Contains(v, "=") {
			logger.Fatal("variables should be defined as KEY=VALUE", "variable", v)
		}
		extraEnv = append(extraEnv, v)
	}

	secretStore, err := buildSecretStore(cfg)
	if err != nil {
		logger.Fatal("unable to configure secret store", "error", err)
	}

	if maxJobs <= 0 {
		maxJobs = cfg.MaxConcurrentJobs
	}

	orch := orchestrator.New(orchestrator.Options{
		MaxConcurrentJobs:  maxJobs,
		SrcDir:             srcDir,
		BuildDir:           cfg.BuildDir,
		ArtifactsDir:       cfg.ArtifactsDir,
		Secrets:            secretStore,
		ExtraEnv:           extraEnv,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		Docker: executor.DockerOptions{
			ShowImagePull:     true,
			MountDockerSocket: mountDockerSocket,
			Username:          username,
			Password:          password,
			MaxOutputBytes:    cfg.MaxOutputBytes,
		},
		Logger: logger,
	})

	rec, err := orch.Run(ctx, wf, *ev)
	if err != nil {
		logger.Fatal("run failed to start", "error", err)
	}

	printReport(rec)
	switch rec.Status {
	case models.StatusSucceeded:
		return exitSucceeded
	case models.StatusSkipped:
		return exitSkipped
	default:
		return exitFailed
	}
}

func buildSecretStore(cfg *config.Config) (secrets.Store, error) {
	if secretsFile != "" {
		return secrets.NewFileStore(secretsFile)
	}
	switch cfg.Secrets.Provider {
	case "file":
		return secrets.NewFileStore(cfg.Secrets.File)
	case "vault":
		return secrets.NewVaultStore(secrets.VaultConfig{
			Address:  cfg.Secrets.Vault.Addr,
			RoleID:   cfg.Secrets.Vault.RoleID,
			SecretID: cfg.Secrets.Vault.SecretID,
			Mount:    cfg.Secrets.Vault.Mount,
			Path:     cfg.Secrets.Vault.Path,
		})
	case "env":
		return secrets.NewEnvStore(cfg.Secrets.EnvPrefix), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Secrets.Provider)
	}
}

func printReport(rec *models.RunRecord) {
	fmt.Printf("run %s %s in %s\n", rec.ID, rec.Status, rec.FinishedAt.Sub(rec.CreatedAt).Round(time.Millisecond))
	for _, job := range rec.Jobs {
		line := fmt.Sprintf("  %-20s %s", job.Name, job.Status)
		if job.Status == models.StatusSkipped {
			line += fmt.Sprintf(" (%s)", job.SkipReason)
		}
		if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
			line += fmt.Sprintf(" (%s)", job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
		}
		if job.Cause != "" {
			line += "  " + job.Cause
		}
		fmt.Println(line)
	}
}
