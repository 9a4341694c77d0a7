// Command jobcontrolctl is an inspection and admission tool over a
// controller's metadata store: list jobs and their current state, list
// one job's checkpoint history, or submit a job spec for the daemon to
// run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"

	"github.com/flowdag/jobcontrol/controller/bus"
	"github.com/flowdag/jobcontrol/metadatastore"
)

type rootOptions struct {
	MetadataStorePath string `long:"metadata-store" env:"METADATA_STORE" default:"jobcontrol.db" description:"Path to the sqlite metadata store"`
}

var root rootOptions

type jobsCmd struct {
	Limit int `long:"limit" description:"Maximum jobs to list (default 10)"`
}

func (c *jobsCmd) Execute(args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	statuses, hasMore, err := store.ListJobStatuses(context.Background(), limitArg(c.Limit))
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	for _, s := range statuses {
		fmt.Printf("%-36s %-14s restarts=%-3d %s  %s\n",
			s.JobID, colorState(s.State), s.Restarts, s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), s.LastError)
	}
	if hasMore {
		fmt.Println("... more jobs available, pass --limit to see more")
	}
	return nil
}

type checkpointsCmd struct {
	Limit int `long:"limit" description:"Maximum checkpoints to list (default 10)"`
	Args  struct {
		JobID string `positional-arg-name:"job-id" required:"true"`
	} `positional-args:"yes"`
}

func (c *checkpointsCmd) Execute(args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rows, hasMore, err := store.ListCheckpoints(context.Background(), c.Args.JobID, limitArg(c.Limit))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no checkpoints for job %s\n", c.Args.JobID)
		return nil
	}

	for _, r := range rows {
		finish := "-"
		if r.FinishTime != nil {
			finish = r.FinishTime.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Printf("epoch=%-6d min_epoch=%-6d state=%-12s start=%s finish=%s\n",
			r.Epoch, r.MinEpoch, colorCheckpointState(r.State), r.StartTime.Format("2006-01-02T15:04:05Z07:00"), finish)
	}
	if hasMore {
		fmt.Println("... more checkpoints available, pass --limit to see more")
	}
	return nil
}

// submitCmd admits (or re-admits) a job from a spec file: a JSON
// document holding the job's config, its compiled program graph, and
// the worker endpoints executing it. The daemon picks the spec up on
// its next startup; a daemon that is already running does not load
// newly submitted specs.
type submitCmd struct {
	Args struct {
		SpecFile string `positional-arg-name:"spec-file" required:"true"`
	} `positional-args:"yes"`
}

func (c *submitCmd) Execute(args []string) error {
	raw, err := os.ReadFile(c.Args.SpecFile)
	if err != nil {
		return err
	}

	var doc struct {
		Config  json.RawMessage `json:"config"`
		Program json.RawMessage `json:"program"`
		Workers json.RawMessage `json:"workers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing spec file %s: %w", c.Args.SpecFile, err)
	}

	var cfg bus.JobConfig
	if err := json.Unmarshal(doc.Config, &cfg); err != nil {
		return fmt.Errorf("parsing job config in %s: %w", c.Args.SpecFile, err)
	}
	if cfg.ID == "" {
		return fmt.Errorf("spec file %s: job config has no id", c.Args.SpecFile)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	spec := metadatastore.JobSpecRow{
		JobID:     cfg.ID,
		Config:    doc.Config,
		Program:   doc.Program,
		Workers:   doc.Workers,
		UpdatedAt: time.Now(),
	}
	if err := store.PutJobSpec(context.Background(), spec); err != nil {
		return err
	}
	fmt.Printf("submitted job %s\n", cfg.ID)
	return nil
}

// limitArg translates go-flags' zero-value-means-unset int field into
// the nil-means-default-10 contract ValidatePagination expects.
func limitArg(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func openStore() (*metadatastore.Store, error) {
	return metadatastore.Open(root.MetadataStorePath, metadatastore.NewNotifier())
}

func colorState(state string) string {
	switch state {
	case "Running":
		return color.GreenString(state)
	case "Fatal":
		return color.RedString(state)
	case "Recovering", "Restarting", "Rescaling":
		return color.YellowString(state)
	case "Stopping", "Finishing":
		return color.CyanString(state)
	default:
		return state
	}
}

func colorCheckpointState(state metadatastore.CheckpointState) string {
	switch state {
	case metadatastore.StateReady, metadatastore.StateCompacted:
		return color.GreenString(string(state))
	case metadatastore.StateInProgress, metadatastore.StateCommitting, metadatastore.StateCompacting:
		return color.YellowString(string(state))
	default:
		return string(state)
	}
}

func main() {
	parser := flags.NewParser(&root, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.AddCommand("jobs", "List jobs and their current state", "", &jobsCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("checkpoints", "List a job's checkpoint history", "", &checkpointsCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("submit", "Admit a job from a spec file", "", &submitCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
