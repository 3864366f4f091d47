package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/agentpost/internal/config"
	"github.com/basket/agentpost/internal/history"
	"github.com/basket/agentpost/internal/mailbox"
)

// runStatusCommand prints a read-only snapshot of the runtime
// directory: pending messages per agent and the history depth.
func runStatusCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentpost status")
		return 2
	}

	home := config.HomeDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	mb, err := mailbox.New(filepath.Join(home, "mailbox.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailbox: %v\n", err)
		return 1
	}
	hist, err := history.New(filepath.Join(home, "history.json"),
		history.WithMaxEntries(cfg.Mailbox.HistoryMaxEntries))
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}

	fmt.Printf("home:     %s\n", home)
	fmt.Printf("history:  %d messages recorded\n", hist.Len())
	fmt.Printf("pending:  %d messages\n", mb.Pending())

	byAgent := mb.Recipients()
	agents := make([]string, 0, len(byAgent))
	for id := range byAgent {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, id := range agents {
		fmt.Printf("  %-20s %d\n", id, byAgent[id])
	}
	return 0
}
