package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/default-user/mathison/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `mathison doctor` — prerequisite and storage
// health checks per spec §6, printed as a human summary. A failing
// prerequisite is itself the result being reported, not treated as a
// fatal error for the command the way it is for `serve`/`run`.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	var results []checkResult
	allOK := true

	rt, err := bootRuntime(cfg)
	if err != nil {
		results = append(results, checkResult{Name: "prerequisites", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "prerequisites", Status: "ok", Detail: "treaty/genome/adapter verified"})
		defer rt.Shutdown(context.Background())

		if _, statErr := os.Stat(cfg.StorePath); statErr != nil {
			results = append(results, checkResult{Name: "store_path", Status: "warn", Detail: cfg.StorePath + " does not exist yet"})
		} else {
			results = append(results, checkResult{Name: "store_path", Status: "ok", Detail: cfg.StorePath})
		}

		if _, statErr := os.Stat(cfg.CheckpointPath); statErr != nil {
			results = append(results, checkResult{Name: "checkpoint_store", Status: "warn", Detail: cfg.CheckpointPath + " does not exist yet"})
		} else {
			results = append(results, checkResult{Name: "checkpoint_store", Status: "ok", Detail: cfg.CheckpointPath})
		}

		probeID := "doctor-" + cfg.Env
		if _, probeErr := rt.Receipts.GetByJob(probeID); probeErr != nil {
			results = append(results, checkResult{Name: "receipt_store", Status: "fail", Detail: probeErr.Error()})
			allOK = false
		} else {
			results = append(results, checkResult{Name: "receipt_store", Status: "ok", Detail: "readable"})
		}
	}

	fmt.Fprintf(stdout, "\n%smathison doctor%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintln(stdout, "---------------")
	for _, r := range results {
		icon := "OK  "
		if r.Status == "warn" {
			icon = "WARN"
		} else if r.Status == "fail" {
			icon = "FAIL"
		}
		fmt.Fprintf(stdout, "  [%s] %-20s %s%s%s\n", icon, r.Name, colorGray, r.Detail, colorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sall checks passed%s\n", colorGreen+colorBold, colorReset)
		return 0
	}
	fmt.Fprintf(stdout, "\n%sone or more checks failed%s\n", colorRed+colorBold, colorReset)
	return 1
}
