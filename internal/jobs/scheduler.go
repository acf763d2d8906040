package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sitecms.org/internal/obs"
	"sitecms.org/internal/store/pg"
)

const DefaultGrantCheckSchedule = "0 */15 * * * *"

// GrantAuditor lists legacy grants the resolver cannot match to the catalog.
type GrantAuditor interface {
	DanglingLegacyGrants(ctx context.Context) ([]pg.DanglingGrant, error)
}

type Scheduler struct {
	cron     *cron.Cron
	auditor  GrantAuditor
	schedule string
	timeout  time.Duration
	log      zerolog.Logger
}

func NewScheduler(auditor GrantAuditor, schedule string, log zerolog.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultGrantCheckSchedule
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		auditor:  auditor,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if s.auditor == nil {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.checkGrants); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for a running check to finish or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) checkGrants() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := CheckGrants(ctx, s.auditor, s.log); err != nil {
		s.log.Error().Err(err).Msg("grant consistency check failed")
	}
}

// CheckGrants reports dangling legacy grants through the log and the
// authz_dangling_grants gauge, and returns them.
func CheckGrants(ctx context.Context, auditor GrantAuditor, log zerolog.Logger) ([]pg.DanglingGrant, error) {
	dangling, err := auditor.DanglingLegacyGrants(ctx)
	if err != nil {
		return nil, err
	}
	obs.SetDanglingGrants(len(dangling))
	for _, g := range dangling {
		log.Warn().Int64("user_id", g.UserID).Str("permission", g.Permission).
			Msg("grant references a permission missing from the catalog")
	}
	if len(dangling) == 0 {
		log.Debug().Msg("grant consistency check clean")
	}
	return dangling, nil
}
