package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/irc-relay/config"
)

// RetentionPolicy decides which persisted lines are pruned.
type RetentionPolicy struct {
	// KeepDays: lines older than this many days are deleted (0 = disabled)
	KeepDays int
	// KeepPerChannel: keep only the N newest lines per channel (0 = disabled)
	KeepPerChannel int
	// DryRun: count what would be deleted without deleting
	DryRun bool
	// Schedule is a cron spec or "@every <duration>"
	Schedule string
}

// RetentionFromConfig builds a policy from the retention section.
func RetentionFromConfig(c config.Retention) RetentionPolicy {
	return RetentionPolicy{
		KeepDays:       c.KeepDays,
		KeepPerChannel: c.KeepPerChannel,
		DryRun:         c.DryRun,
		Schedule:       c.Schedule,
	}
}

// Enabled reports whether the policy would ever delete anything.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepPerChannel > 0 }

// PruneResult summarizes one retention pass.
type PruneResult struct {
	Expired    int64 // lines older than the age cutoff
	OverLimit  int64 // lines beyond the per-channel cap
	Unseen     int64 // unseen highlight markers older than the age cutoff
	DryRun     bool
	Duration   time.Duration
	ChannelErr int
}

// Prune runs one retention pass relative to now.
func (s *Store) Prune(ctx context.Context, policy RetentionPolicy, now time.Time) (PruneResult, error) {
	start := time.Now()
	res := PruneResult{DryRun: policy.DryRun}
	logger := slog.Default().With(
		slog.String("component", "retention_cleanup"),
		slog.Bool("dry_run", policy.DryRun),
	)

	if policy.KeepDays > 0 {
		cutoff := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour).UnixMilli()
		n, err := s.pruneWhere(ctx, policy.DryRun, "lines", "ts < ?", cutoff)
		if err != nil {
			return res, fmt.Errorf("prune expired lines: %w", err)
		}
		res.Expired = n
		n, err = s.pruneWhere(ctx, policy.DryRun, "unseen_highlights", "ts < ?", cutoff)
		if err != nil {
			return res, fmt.Errorf("prune expired unseen: %w", err)
		}
		res.Unseen = n
		logger.Debug("age cutoff applied", slog.Int64("lines", res.Expired), slog.Int64("unseen", res.Unseen))
	}

	if policy.KeepPerChannel > 0 {
		channels, err := s.Channels(ctx)
		if err != nil {
			return res, err
		}
		for _, ch := range channels {
			n, err := s.pruneChannel(ctx, policy, ch)
			if err != nil {
				logger.Warn("per-channel prune failed", slog.String("channel", ch), slog.Any("err", err))
				res.ChannelErr++
				continue
			}
			res.OverLimit += n
		}
	}

	res.Duration = time.Since(start)
	logger.Info("retention cleanup complete",
		slog.Int64("expired", res.Expired),
		slog.Int64("over_limit", res.OverLimit),
		slog.Int64("unseen", res.Unseen),
		slog.Int("channel_errors", res.ChannelErr),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// pruneChannel deletes lines older than the KeepPerChannel-th newest line.
func (s *Store) pruneChannel(ctx context.Context, policy RetentionPolicy, channel string) (int64, error) {
	var boundary int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT ts FROM lines WHERE channel = ?
		ORDER BY ts DESC, id DESC LIMIT 1 OFFSET ?`), channel, policy.KeepPerChannel-1).Scan(&boundary)
	if err != nil {
		// Fewer rows than the cap: nothing to prune.
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("find boundary: %w", err)
	}
	return s.pruneWhere(ctx, policy.DryRun, "lines", "channel = ? AND ts < ?", channel, boundary)
}

func (s *Store) pruneWhere(ctx context.Context, dryRun bool, table, where string, args ...any) (int64, error) {
	if dryRun {
		return s.scanCount(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+where, args...)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE `+where), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartRetentionJob prunes on the policy's schedule until ctx is done. It runs
// one pass immediately.
func StartRetentionJob(ctx context.Context, s *Store, policy RetentionPolicy) error {
	if !policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "retention"))
		return nil
	}
	run := func() {
		if _, err := s.Prune(ctx, policy, time.Now()); err != nil {
			slog.Warn("retention cleanup failed", slog.String("component", "retention"), slog.Any("err", err))
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(policy.Schedule, run); err != nil {
		return fmt.Errorf("retention schedule %q: %w", policy.Schedule, err)
	}
	slog.Info("retention job starting",
		slog.String("component", "retention"),
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_per_channel", policy.KeepPerChannel),
		slog.Bool("dry_run", policy.DryRun),
		slog.String("schedule", policy.Schedule))

	run()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("retention job stopped", slog.String("component", "retention"))
	return nil
}
