package app

import (
	"context"
	"time"

	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// PayoutSweeper periodically initiates payouts for approved withdrawals.
type PayoutSweeper struct {
	cron      *cron.Cron
	service   *Service
	schedule  string
	batchSize int
	logger    *zerolog.Logger
}

func NewPayoutSweeper(service *Service, schedule string, batchSize int, logger *zerolog.Logger) *PayoutSweeper {
	if batchSize <= 0 {
		batchSize = 25
	}
	cronLogger := cron.PrintfLogger(logger)
	return &PayoutSweeper{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		service:   service,
		schedule:  schedule,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *PayoutSweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweepJob); err != nil {
		return err
	}
	s.logger.Info().Str("schedule", s.schedule).Int("batch_size", s.batchSize).Msg("scheduled automatic payout job")
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *PayoutSweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *PayoutSweeper) sweepJob() {
	ctx, cancel := context.WithTimeout(s.logger.WithContext(context.Background()), 5*time.Minute)
	defer cancel()
	s.Sweep(ctx)
}

// Sweep initiates payouts for one batch of approved withdrawals and returns how
// many advanced to processing. Failures leave rows approved for the next run.
func (s *PayoutSweeper) Sweep(ctx context.Context) int {
	log := logging.FromContext(ctx, "payout_sweeper")

	candidates, err := s.service.repo.ListPayoutCandidates(ctx, s.batchSize, s.service.payouts.claimTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to list payout candidates")
		return 0
	}

	initiated := 0
	for _, w := range candidates {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.service.InitiatePayoutManual(ctx, w.ID); err != nil {
			log.Warn().Err(err).Str("withdrawal_id", w.ID.String()).Msg("automatic payout failed")
			continue
		}
		initiated++
	}
	if len(candidates) > 0 {
		log.Info().Int("candidates", len(candidates)).Int("initiated", initiated).Msg("automatic payout sweep complete")
	}
	return initiated
}
