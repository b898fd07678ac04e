package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/modules/assessments"
)

// SoftDeleteJob purges abandoned assessments past their delete_after
// horizon (spec.md §4: 90-day default grace period).
type SoftDeleteJob struct {
	repo *assessments.Repository
	log  zerolog.Logger
}

// NewSoftDeleteJob constructs a SoftDeleteJob.
func NewSoftDeleteJob(repo *assessments.Repository, log zerolog.Logger) *SoftDeleteJob {
	return &SoftDeleteJob{repo: repo, log: log.With().Str("job", "soft_delete").Logger()}
}

// Name identifies the job for scheduler logging.
func (j *SoftDeleteJob) Name() string { return "soft_delete" }

// Run deletes every abandoned assessment whose delete_after has passed.
func (j *SoftDeleteJob) Run() error {
	ctx := context.Background()
	due, err := j.repo.ListAbandonedBefore(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, a := range due {
		if err := j.repo.SoftDelete(ctx, a.ID); err != nil {
			j.log.Error().Err(err).Str("assessment_id", a.ID).Msg("soft delete failed")
			continue
		}
		j.log.Info().Str("assessment_id", a.ID).Msg("assessment purged past delete_after")
	}
	return nil
}
