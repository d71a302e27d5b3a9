package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"podcast-claim-pipeline/internal/config"
	"podcast-claim-pipeline/internal/models"
	"podcast-claim-pipeline/internal/store"
	"podcast-claim-pipeline/internal/telemetry"
	workerproc "podcast-claim-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	st.SetRetryBackoff(cfg.BackoffInitial, cfg.BackoffMax)

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		}
	}

	processor := workerproc.NewProcessor(st, workerproc.Options{
		AllowedTypes: cfg.WorkerTypes,
		PollInterval: cfg.WorkerPollInterval,
		MaxJobs:      cfg.WorkerMaxJobs,
		WorkerID:     workerID,
	})

	pubmed := workerproc.NewPubMedClient(cfg.PubmedBaseURL, cfg.PubmedTool, cfg.PubmedEmail)
	exportHandler, err := workerproc.NewExportGradesHandler(ctx, cfg, st)
	if err != nil {
		log.Fatalf("init export handler: %v", err)
	}

	processor.RegisterHandler(models.JobTypeSummarize, workerproc.NewSummarizeHandler(st).Handle)
	processor.RegisterHandler(models.JobTypeExtractClaims, workerproc.NewExtractClaimsHandler(st).Handle)
	processor.RegisterHandler(models.JobTypeFetchEvidence, workerproc.NewFetchEvidenceHandler(st, pubmed, cfg.EvidenceMaxResults).Handle)
	processor.RegisterHandler(models.JobTypeAutoGrade, workerproc.NewAutoGradeHandler(st).Handle)
	processor.RegisterHandler(models.JobTypeExportGrades, exportHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started mode=%s types=%s backoff_initial=%s",
		workerID, cfg.WorkerMode, typesLabel(cfg.WorkerTypes), cfg.BackoffInitial)

	switch cfg.WorkerMode {
	case "once":
		processed, err := processor.RunOnce(ctx)
		if err != nil {
			log.Fatalf("worker: %v", err)
		}
		if !processed {
			log.Println("no claimable jobs")
		}
	default:
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("worker stopped: %v", err)
		}
	}
}

func typesLabel(types []string) string {
	if len(types) == 0 {
		return "all"
	}
	return strings.Join(types, ",")
}
