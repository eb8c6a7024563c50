package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedule runs Daily for the current UTC date on every tick of the
// standard cron expression spec, until Stop. A tick that fires while the
// previous one is still running is skipped.
func (s *PipelineService) Schedule(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSched != nil {
		return Error.New("schedule already running")
	}

	logger := cronLogger{log: s.log.Named("cron")}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(spec, func() {
		runDate := s.today()
		s.log.Info("scheduled run starting", zap.String("partition", runDate))
		if err := s.Daily(ctx, runDate); err != nil {
			s.log.Error("scheduled run failed", zap.String("partition", runDate), zap.Error(err))
		}
	})
	if err != nil {
		return Error.New("invalid schedule %q: %v", spec, err)
	}
	c.Start()
	s.cronSched = c

	next := c.Entry(id).Schedule.Next(s.now().UTC())
	s.log.Info("pipeline scheduled", zap.String("schedule", spec), zap.Time("next", next))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
