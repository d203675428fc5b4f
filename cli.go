package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"uplink/internal/config"
	"uplink/internal/httpapi"
	"uplink/internal/payload"
	"uplink/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, cfg config.Config) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("uplink %s\n", Version)
		return true
	case "status":
		return cliStatus(cfg)
	case "enqueue":
		return cliEnqueue(args[1:], cfg)
	case "jobs":
		return cliJobs(cfg)
	case "settings":
		return cliSettings(args[1:], cfg)
	case "devserver":
		return cliDevServer(args[1:], cfg)
	default:
		return false
	}
}

func openStores(cfg config.Config) (*store.Store, *payload.Store) {
	meta, err := store.Open(dbPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	payloads, err := payload.NewStore(payloadDir(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening payload store: %v\n", err)
		os.Exit(1)
	}
	return meta, payloads
}

func cliStatus(cfg config.Config) bool {
	meta, _ := openStores(cfg)
	defer meta.Close()

	n, _ := meta.JobCount(context.Background())
	fmt.Printf("Endpoint: %s\n", cfg.Endpoint)
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Pending uploads: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliEnqueue(args []string, cfg config.Config) bool {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: uplink enqueue <lesson-id> <file> [title]\n")
		os.Exit(1)
	}
	lessonID, file := args[0], args[1]
	title := ""
	if len(args) > 2 {
		title = args[2]
	}

	meta, payloads := openStores(cfg)
	defer meta.Close()

	agent := NewAgent(cfg, meta, payloads)
	job, err := agent.Enqueue(context.Background(), lessonID, title, file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error enqueueing recording: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Enqueued job %s (%d bytes) for lesson %s\n", job.ID, job.SizeBytes, job.LessonID)
	return true
}

func cliJobs(cfg config.Config) bool {
	meta, _ := openStores(cfg)
	defer meta.Close()

	jobs, err := meta.ListJobs(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(jobs) == 0 {
		fmt.Println("No pending uploads.")
		return true
	}
	for _, job := range jobs {
		fmt.Printf("  %s  lesson=%s  %s  %d bytes  enqueued %s\n",
			job.ID, job.LessonID, job.Filename, job.SizeBytes,
			job.EnqueuedAt.Format("2006-01-02 15:04:05"))
	}
	return true
}

func cliSettings(args []string, cfg config.Config) bool {
	meta, _ := openStores(cfg)
	defer meta.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		settings, err := meta.AllSettings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := meta.SetSetting(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: uplink settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliDevServer(args []string, cfg config.Config) bool {
	addr := ":8080"
	if len(args) > 0 {
		addr = args[0]
	}

	srv, err := httpapi.New(recordingsDir(cfg), cfg.Credential())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting dev server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Dev server listening on %s (recordings under %s)\n", addr, recordingsDir(cfg))
	if err := srv.Run(context.Background(), addr); err != nil {
		fmt.Fprintf(os.Stderr, "dev server error: %v\n", err)
		os.Exit(1)
	}
	return true
}
