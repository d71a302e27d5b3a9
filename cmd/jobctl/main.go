package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"podcast-claim-pipeline/internal/config"
	"podcast-claim-pipeline/internal/store"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	switch os.Args[1] {
	case "enqueue":
		runEnqueue(ctx, st, cfg, os.Args[2:])
	case "list":
		runList(ctx, st, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  jobctl enqueue -type <job_type> [-episodes 1,2] [-claims 3,4] [-priority N] [-run-at RFC3339] [-dedupe]
  jobctl list [-status queued|running|succeeded|failed|dead] [-type <job_type>] [-limit N]`)
}

func runEnqueue(ctx context.Context, st *store.Store, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	jobType := fs.String("type", "", "job type to enqueue")
	episodes := fs.String("episodes", "", "comma-separated episode ids")
	claims := fs.String("claims", "", "comma-separated claim ids")
	priority := fs.Int("priority", 0, "job priority, higher runs first")
	runAt := fs.String("run-at", "", "earliest run time (RFC3339)")
	dedupe := fs.Bool("dedupe", false, "skip enqueue when an identical job is already queued or running")
	_ = fs.Parse(args)

	if *jobType == "" {
		log.Fatal("-type is required")
	}

	payload := map[string]any{}
	if ids := parseIDs(*episodes); len(ids) > 0 {
		payload["episode_ids"] = ids
	}
	if ids := parseIDs(*claims); len(ids) > 0 {
		payload["claim_ids"] = ids
	}

	params := store.EnqueueJobParams{
		JobType:     *jobType,
		Payload:     payload,
		Priority:    *priority,
		MaxAttempts: cfg.MaxAttempts,
	}
	if *runAt != "" {
		t, err := time.Parse(time.RFC3339, *runAt)
		if err != nil {
			log.Fatalf("parse -run-at: %v", err)
		}
		params.RunAt = t
	}

	if *dedupe {
		existing, found, err := st.FindActiveJobByFingerprint(ctx, *jobType, payload)
		if err != nil {
			log.Fatalf("dedupe check: %v", err)
		}
		if found {
			fmt.Printf("job %d (%s) already active, skipping\n", existing.ID, existing.JobType)
			return
		}
	}

	job, err := st.EnqueueJob(ctx, params)
	if err != nil {
		log.Fatalf("enqueue: %v", err)
	}
	fmt.Printf("enqueued job %d type=%s priority=%d run_at=%s\n",
		job.ID, job.JobType, job.Priority, job.RunAt.Format(time.RFC3339))
}

func runList(ctx context.Context, st *store.Store, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	jobType := fs.String("type", "", "filter by job type")
	limit := fs.Int("limit", 20, "maximum rows to print")
	_ = fs.Parse(args)

	jobs, err := st.ListJobs(ctx, store.JobFilter{
		Status:  *status,
		JobType: *jobType,
		Limit:   *limit,
	})
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return
	}

	for _, job := range jobs {
		line := fmt.Sprintf("%d\t%s\t%s\tprio=%d attempts=%d/%d",
			job.ID, job.JobType, job.Status, job.Priority, job.Attempts, job.MaxAttempts)
		if job.LastError != nil {
			line += "\terr=" + truncate(*job.LastError, 80)
		}
		fmt.Println(line)
	}
}

func parseIDs(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Fatalf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
