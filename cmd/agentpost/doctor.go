package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/agentpost/internal/archive"
	"github.com/basket/agentpost/internal/config"
	"github.com/basket/agentpost/internal/history"
	"github.com/basket/agentpost/internal/mailbox"
	"github.com/basket/agentpost/internal/scheduler"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // OK, WARN, FAIL
	Message string `json:"message"`
}

type diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	System    string        `json:"system"`
	HomeDir   string        `json:"home_dir"`
	Results   []checkResult `json:"results"`
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	diag := runChecks(ctx)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("agentpost doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s  Home: %s\n", diag.System, diag.HomeDir)
		fmt.Println("---")
		for _, res := range diag.Results {
			icon := "✅"
			switch res.Status {
			case "FAIL":
				icon = "❌"
			case "WARN":
				icon = "⚠️ "
			}
			fmt.Printf("%s %-12s: %s\n", icon, res.Name, res.Message)
		}
	}

	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func runChecks(ctx context.Context) diagnosis {
	home := config.HomeDir()
	diag := diagnosis{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		System:    runtime.GOOS + "/" + runtime.GOARCH + " (" + runtime.Version() + ")",
		HomeDir:   home,
	}
	add := func(name, status, msg string) {
		diag.Results = append(diag.Results, checkResult{Name: name, Status: status, Message: msg})
	}

	if fi, err := os.Stat(home); err != nil {
		add("home", "WARN", "runtime directory missing; it is created on first run")
	} else if !fi.IsDir() {
		add("home", "FAIL", home+" is not a directory")
	} else {
		add("home", "OK", home)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		add("config", "FAIL", err.Error())
		return diag
	}
	add("config", "OK", "fingerprint "+cfg.Fingerprint())

	if mb, err := mailbox.New(filepath.Join(home, "mailbox.json")); err != nil {
		add("mailbox", "FAIL", err.Error())
	} else {
		add("mailbox", "OK", fmt.Sprintf("%d pending messages", mb.Pending()))
	}

	if h, err := history.New(filepath.Join(home, "history.json"),
		history.WithMaxEntries(cfg.Mailbox.HistoryMaxEntries)); err != nil {
		add("history", "FAIL", err.Error())
	} else {
		add("history", "OK", fmt.Sprintf("%d recorded messages", h.Len()))
	}

	if arch, err := archive.Open(filepath.Join(home, "archive.db")); err != nil {
		add("archive", "FAIL", err.Error())
	} else {
		n, err := arch.AckCount(ctx, "")
		arch.Close()
		if err != nil {
			add("archive", "WARN", "opened but query failed: "+err.Error())
		} else {
			add("archive", "OK", fmt.Sprintf("%d acknowledgments archived", n))
		}
	}

	badSpecs := 0
	probe := scheduler.New(scheduler.Config{})
	for _, spec := range cfg.Scheduler.Recurring {
		if err := probe.AddRecurring(spec); err != nil {
			badSpecs++
		}
	}
	if badSpecs > 0 {
		add("schedules", "FAIL", fmt.Sprintf("%d of %d recurring specs invalid", badSpecs, len(cfg.Scheduler.Recurring)))
	} else {
		add("schedules", "OK", fmt.Sprintf("%d recurring specs", len(cfg.Scheduler.Recurring)))
	}

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		add("logs", "FAIL", err.Error())
	} else if f, err := os.CreateTemp(logDir, "doctor-*"); err != nil {
		add("logs", "FAIL", "log directory not writable: "+err.Error())
	} else {
		f.Close()
		os.Remove(f.Name())
		add("logs", "OK", logDir)
	}

	return diag
}
