package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/config"
)

func newJobID() string { return uuid.NewString() }

// runRunCmd implements `mathison run` — boots the Runtime, then runs (or
// resumes, since Run is idempotent per completed stage) one job to either
// completion, a stage timeout, or a resumable failure, and prints the
// resulting checkpoint as JSON. Exit code follows spec §6: 0 on COMPLETED,
// 1 on anything else (denial, boot failure, stage failure/timeout).
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobType := fs.String("job-type", "", "job_type to run (REQUIRED)")
	jobID := fs.String("job-id", "", "job_id; a new one is minted if omitted")
	inputsJSON := fs.String("inputs", "{}", "JSON object of stage inputs")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobType == "" {
		fmt.Fprintln(stderr, "error: --job-type is required")
		return 1
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		fmt.Fprintf(stderr, "error: --inputs is not valid JSON: %v\n", err)
		return 1
	}

	cfg := config.Load()
	rt, err := bootRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sboot failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer rt.Shutdown(context.Background())

	id := *jobID
	if id == "" {
		id = newJobID()
	}

	cp, err := rt.Jobs.Run(context.Background(), id, *jobType, inputs)
	if err != nil {
		fmt.Fprintf(stderr, "%sjob failed:%s %v\n", colorRed, colorReset, err)
		printJobCheckpoint(stdout, cp)
		return 1
	}

	printJobCheckpoint(stdout, cp)
	if cp.Status != "COMPLETED" {
		return 1
	}
	return 0
}

// runStatusCmd implements `mathison status` — loads and prints a job's
// checkpoint without re-entering the Job Runner.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobID := fs.String("job-id", "", "job_id to look up (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobID == "" {
		fmt.Fprintln(stderr, "error: --job-id is required")
		return 1
	}

	cfg := config.Load()
	rt, err := bootRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sboot failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer rt.Shutdown(context.Background())

	cp, err := rt.Checkpoints.Load(*jobID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	printJobCheckpoint(stdout, cp)
	return 0
}

// runResumeCmd implements `mathison resume` — loads the existing
// checkpoint's job_type/inputs and re-enters Run, which skips every stage
// already in completed_stages per spec §4.14.
func runResumeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobID := fs.String("job-id", "", "job_id to resume (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobID == "" {
		fmt.Fprintln(stderr, "error: --job-id is required")
		return 1
	}

	cfg := config.Load()
	rt, err := bootRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sboot failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer rt.Shutdown(context.Background())

	existing, err := rt.Checkpoints.Load(*jobID)
	if err != nil {
		fmt.Fprintf(stderr, "error: no checkpoint for job_id %s: %v\n", *jobID, err)
		return 1
	}

	cp, err := rt.Jobs.Run(context.Background(), *jobID, existing.JobType, existing.Inputs)
	if err != nil {
		fmt.Fprintf(stderr, "%sresume failed:%s %v\n", colorRed, colorReset, err)
		printJobCheckpoint(stdout, cp)
		return 1
	}
	printJobCheckpoint(stdout, cp)
	if cp.Status != "COMPLETED" {
		return 1
	}
	return 0
}

// runAuditCmd implements `mathison audit` — prints every receipt recorded
// for a job_id, in append order, the governance-proof trail spec §4.9/§6
// call the job's "logs."
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobID := fs.String("job-id", "", "job_id to audit (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobID == "" {
		fmt.Fprintln(stderr, "error: --job-id is required")
		return 1
	}

	cfg := config.Load()
	rt, err := bootRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sboot failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}
	defer rt.Shutdown(context.Background())

	trail, err := rt.Receipts.GetByJob(*jobID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(trail); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printJobCheckpoint(w io.Writer, cp any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(cp)
}
