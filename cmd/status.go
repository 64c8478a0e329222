package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kanaime/updater/internal/statemanager"
	"github.com/kanaime/updater/internal/updatemanager"
)

var (
	jsonFlag bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "prints the persisted update job",
		RunE:  statusFunc,
	}
)

func init() {
	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "print the job record as JSON")
}

func statusFunc(cmd *cobra.Command, _ []string) error {
	cfg, err := initCommand(cmd)
	if err != nil {
		return err
	}

	store := statemanager.New(cfg.StateFile)
	job := &updatemanager.Job{}
	found, err := store.LoadState(job)
	if err != nil {
		return fmt.Errorf("read update state from %s: %w", store.FilePath(), err)
	}
	if !found {
		cmd.Printf("No update job recorded in %s\n", store.FilePath())
		return nil
	}

	if jsonFlag {
		out, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Print(formatJob(job))
	return nil
}

func formatJob(job *updatemanager.Job) string {
	out := fmt.Sprintf("Job: %s\nState: %s\n", job.ID, job.State)
	if job.TargetVersion != nil {
		out += fmt.Sprintf("Target version: %s\n", job.TargetVersion.Version)
	}
	if job.Progress.Total > 0 || job.Progress.Received > 0 {
		out += fmt.Sprintf("Downloaded: %d/%d bytes\n", job.Progress.Received, job.Progress.Total)
	}
	if job.PackageLocation != "" {
		out += fmt.Sprintf("Package: %s\n", job.PackageLocation)
	}
	for _, phase := range []updatemanager.Phase{updatemanager.PhaseCheck, updatemanager.PhaseDownload, updatemanager.PhaseInstall} {
		if n := job.Attempts[phase]; n > 0 {
			out += fmt.Sprintf("Failed %s attempts: %d\n", phase, n)
		}
	}
	if job.LastError != nil {
		out += fmt.Sprintf("Last error: %s\n", job.LastError)
	}
	out += fmt.Sprintf("Updated: %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return out
}
