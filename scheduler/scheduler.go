package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"seller_radar/config"
	"seller_radar/models"
)

const commandPollInterval = 2 * time.Second

// Syncer is the trigger interface of the orchestrator.
type Syncer interface {
	SyncOnce(ctx context.Context, reason models.SyncReason) (models.SyncResult, error)
	Sync(ctx context.Context, reason models.SyncReason, force bool) (models.SyncResult, error)
}

// CommandQueue is the operator command table.
type CommandQueue interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64, result json.RawMessage) error
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	syncer   Syncer
	commands CommandQueue
	logger   *zap.Logger

	cron     *cron.Cron
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	pollEach time.Duration
}

func New(cfg config.SchedulerConfig, syncer Syncer, commands CommandQueue, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		syncer:   syncer,
		commands: commands,
		logger:   logger,
		cron:     cron.New(),
		stopCh:   make(chan struct{}),
		pollEach: commandPollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.commands != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollCommands(ctx)
		}()
	}

	if s.cfg.Cron != "" {
		s.logger.Info("starting scheduler", zap.String("cron", s.cfg.Cron))
		_, err := s.cron.AddFunc(s.cfg.Cron, func() { s.scheduledRun(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		s.logger.Info("starting scheduler", zap.Duration("interval", s.cfg.Interval))
		s.ticker = time.NewTicker(s.cfg.Interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.scheduledRun(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.logger.Info("no schedule configured, daemon will only respond to commands")
	}

	if s.cfg.OnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.scheduledRun(ctx)
		}()
	}

	return nil
}

// Stop halts the triggers and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) scheduledRun(ctx context.Context) {
	result, err := s.syncer.SyncOnce(ctx, models.ReasonScheduled)
	if err != nil {
		s.logger.Error("scheduled sync error", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sync done",
		zap.String("status", string(result.Status)),
		zap.Int("updated", result.DatasetsUpdated),
		zap.Int("failed", result.DatasetsFailed))
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cmds, err := s.commands.GetPendingCommands(ctx)
			if err != nil {
				s.logger.Error("get commands", zap.Error(err))
				continue
			}

			for _, cmd := range cmds {
				s.logger.Info("processing command", zap.Int64("id", cmd.ID), zap.String("command", string(cmd.Command)))
				result := s.handleCommand(ctx, &cmd)
				if err := s.commands.MarkCommandProcessed(context.WithoutCancel(ctx), cmd.ID, result); err != nil {
					s.logger.Error("mark command processed", zap.Int64("id", cmd.ID), zap.Error(err))
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

type commandError struct {
	Error string `json:"error"`
}

// handleCommand returns the JSON stored on the command row.
func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) json.RawMessage {
	fail := func(err error) json.RawMessage {
		s.logger.Error("command failed", zap.Int64("id", cmd.ID), zap.Error(err))
		data, _ := json.Marshal(commandError{Error: err.Error()})
		return data
	}

	switch cmd.Command {
	case models.CmdSyncNow:
		params, err := cmd.SyncParams()
		if err != nil {
			return fail(fmt.Errorf("params: %w", err))
		}
		var result models.SyncResult
		if params.Force {
			result, err = s.syncer.Sync(ctx, models.ReasonManual, true)
		} else {
			result, err = s.syncer.SyncOnce(ctx, models.ReasonManual)
		}
		if err != nil {
			return fail(err)
		}
		return result.ToJSON()
	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Command))
	}
}
