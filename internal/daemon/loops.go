package daemon

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/llm"
	"github.com/Zeeeepa/gobby-sub002/internal/session"
	"github.com/Zeeeepa/gobby-sub002/internal/transcript"
)

// runSessionSweeper pauses idle active sessions and expires stale ones on
// the configured interval.
func (d *Daemon) runSessionSweeper(ctx context.Context) {
	interval := time.Duration(d.cfg.SessionLifecycle.ExpireCheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paused, err := d.sessions.PauseInactiveActiveSessions(ctx, d.cfg.SessionLifecycle.ActiveSessionPauseMinutes)
			if err != nil {
				d.logger.Warn("session pause sweep failed", zap.Error(err))
			}
			expired, err := d.sessions.ExpireStaleSessions(ctx, d.cfg.SessionLifecycle.StaleSessionTimeoutHours)
			if err != nil {
				d.logger.Warn("session expire sweep failed", zap.Error(err))
			}
			if paused > 0 || expired > 0 {
				d.logger.Info("session sweep",
					zap.Int64("paused", paused), zap.Int64("expired", expired))
			}
		}
	}
}

// runTranscriptLoop processes pending transcripts in batches: synthesize a
// title for untitled sessions, then mark the transcript consumed.
func (d *Daemon) runTranscriptLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.SessionLifecycle.TranscriptProcessingIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	batch := d.cfg.SessionLifecycle.TranscriptProcessingBatchSize
	if batch <= 0 {
		batch = 5
	}
	processor := transcript.NewProcessor()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := d.sessions.GetPendingTranscriptSessions(ctx, batch)
			if err != nil {
				d.logger.Warn("pending transcript query failed", zap.Error(err))
				continue
			}
			for _, s := range pending {
				d.processTranscript(ctx, processor, s)
			}
		}
	}
}

func (d *Daemon) processTranscript(ctx context.Context, processor transcript.Processor, s *session.Session) {
	if s.JSONLPath == nil || *s.JSONLPath == "" {
		if _, err := d.sessions.MarkTranscriptProcessed(ctx, s.ID); err != nil {
			d.logger.Warn("marking transcript processed failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
		return
	}

	if s.Title == nil && d.llm.DefaultProvider() != "" {
		if title := d.synthesizeTitle(ctx, processor, *s.JSONLPath); title != "" {
			if _, err := d.sessions.UpdateTitle(ctx, s.ID, title); err != nil {
				d.logger.Warn("title update failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	}

	if _, err := d.sessions.MarkTranscriptProcessed(ctx, s.ID); err != nil {
		d.logger.Warn("marking transcript processed failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (d *Daemon) synthesizeTitle(ctx context.Context, processor transcript.Processor, jsonlPath string) string {
	turns, err := processor.ExtractTurns(ctx, jsonlPath, 10)
	if err != nil || len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}

	title, err := d.llm.GenerateText(ctx,
		"Summarize this coding session as a title of at most 8 words. Reply with the title only.\n\n"+b.String(),
		llm.GenerateOptions{MaxTokens: 32})
	if err != nil {
		d.logger.Debug("title synthesis failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
}

// runMemoryDecay applies importance decay daily.
func (d *Daemon) runMemoryDecay(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.memories.DecayImportance(ctx)
			if err != nil {
				d.logger.Warn("memory decay failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.logger.Info("memory decay applied", zap.Int64("memories", n))
			}
		}
	}
}

// runHealthMonitor refreshes the readiness snapshot the pipeline's guard
// consults, and keeps the active-session gauge current.
func (d *Daemon) runHealthMonitor(ctx context.Context) {
	interval := d.cfg.HealthCheckInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var one int
			if err := d.store.FetchValue(ctx, &one, "SELECT 1"); err != nil {
				d.health.Set(false, "store unavailable: "+err.Error())
				continue
			}
			d.health.Set(true, "healthy")

			if d.metrics != nil {
				var active int64
				if err := d.store.FetchValue(ctx, &active,
					"SELECT COUNT(*) FROM sessions WHERE status = ?", session.StatusActive); err == nil {
					d.metrics.SetActiveSessions(active)
				}
			}
		}
	}
}
