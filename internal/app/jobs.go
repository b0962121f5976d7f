/**
 * @description
 * Background maintenance for the verification pipeline, run on cron
 * schedules: recovering leases orphaned by dead workers, failing queued
 * requests whose deadline passed while they waited for a retry slot, and
 * purging stored CEP documents past the retention window.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Schedule management.
 * - internal/store: The maintenance queries.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesoswap/verification-service/internal/metrics"
	"github.com/pesoswap/verification-service/internal/store"
)

// MaintenanceConfig carries the schedules and retention settings.
type MaintenanceConfig struct {
	SweepSchedule    string
	PurgeSchedule    string
	DocumentRetainer time.Duration
}

// MaintenanceJobs owns the cron runner for the background sweeps.
type MaintenanceJobs struct {
	repo    store.Repository
	service *Service
	cfg     MaintenanceConfig
	cron    *cron.Cron
}

// NewMaintenanceJobs creates the maintenance runner.
func NewMaintenanceJobs(repo store.Repository, service *Service, cfg MaintenanceConfig) *MaintenanceJobs {
	return &MaintenanceJobs{
		repo:    repo,
		service: service,
		cfg:     cfg,
		cron:    cron.New(),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (j *MaintenanceJobs) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.SweepSchedule, j.runSweep); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(j.cfg.PurgeSchedule, j.runDocumentPurge); err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("level=info component=jobs msg=\"maintenance jobs scheduled\" sweep=%q purge=%q", j.cfg.SweepSchedule, j.cfg.PurgeSchedule)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (j *MaintenanceJobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// runSweep recovers expired leases and fails overdue queued requests. The
// two run together on the same schedule because both exist to unstick the
// queue after worker or clock trouble.
func (j *MaintenanceJobs) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := j.repo.RecoverExpiredLeases(ctx)
	if err != nil {
		log.Printf("level=error component=jobs op=recover_leases err=%v", err)
	} else if recovered > 0 {
		metrics.LeasesRecoveredTotal.Add(float64(recovered))
		log.Printf("level=warn component=jobs op=recover_leases msg=\"re-enqueued orphaned requests\" count=%d", recovered)
	}

	overdue, err := j.repo.FailOverdueRequests(ctx)
	if err != nil {
		log.Printf("level=error component=jobs op=deadline_sweep err=%v", err)
		return
	}
	for i := range overdue {
		j.service.PublishResult(ctx, &overdue[i])
	}
	if len(overdue) > 0 {
		log.Printf("level=warn component=jobs op=deadline_sweep msg=\"failed overdue requests\" count=%d", len(overdue))
	}
}

func (j *MaintenanceJobs) runDocumentPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	purged, err := j.repo.PurgeAuthorityDocuments(ctx, j.cfg.DocumentRetainer)
	if err != nil {
		log.Printf("level=error component=jobs op=purge_documents err=%v", err)
		return
	}
	if purged > 0 {
		log.Printf("level=info component=jobs op=purge_documents msg=\"dropped retained authority documents\" count=%d", purged)
	}
}
