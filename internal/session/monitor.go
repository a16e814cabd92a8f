package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/nexus-session/internal/backend"
	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/normalize"
	"github.com/tjfontaine/nexus-session/internal/pkg/fields"
	"github.com/tjfontaine/nexus-session/internal/telemetry"
	"github.com/tjfontaine/nexus-session/internal/tracing"
)

// consume reads the live channel until the run ends. It switches on the
// polling fallback when the channel cannot be opened, fails, closes, or
// stays silent past the configured timeout. Frames that arrive after the
// session is terminal are still filed as telemetry until the late telemetry
// window closes the channel.
func (c *Controller) consume(r *run, backendID string) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	frames, err := c.backend.Stream(ctx, backendID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("live channel unavailable, falling back to polling",
				slog.String("session_id", r.localID),
				slog.String("error", err.Error()))
		}
		r.startPolling()
		return
	}

	var silence <-chan time.Time
	var timer *time.Timer
	if c.cfg.StreamSilenceTimeout > 0 {
		timer = time.NewTimer(c.cfg.StreamSilenceTimeout)
		defer timer.Stop()
		silence = timer.C
	}

	done := r.done
	var linger <-chan time.Time
	var lingerTimer *time.Timer
	defer func() {
		if lingerTimer != nil {
			lingerTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			done = nil
			if c.cfg.LateTelemetryWindow > 0 {
				lingerTimer = time.NewTimer(c.cfg.LateTelemetryWindow)
				linger = lingerTimer.C
			}
		case <-linger:
			c.logger.Debug("closing live channel after terminal state",
				slog.String("session_id", r.localID),
				slog.Duration("window", c.cfg.LateTelemetryWindow))
			return
		case <-silence:
			if !r.terminated() {
				c.logger.Warn("live channel silent, falling back to polling",
					slog.String("session_id", r.localID),
					slog.Duration("timeout", c.cfg.StreamSilenceTimeout))
				r.startPolling()
			}
		case res, ok := <-frames:
			if !ok {
				if !r.terminated() && ctx.Err() == nil {
					c.logger.Info("live channel closed, falling back to polling", slog.String("session_id", r.localID))
					r.startPolling()
				}
				return
			}
			if res.Err != nil {
				c.logger.Warn("live channel failed, falling back to polling",
					slog.String("session_id", r.localID),
					slog.String("error", res.Err.Error()))
				r.startPolling()
				continue
			}
			if timer != nil {
				timer.Reset(c.cfg.StreamSilenceTimeout)
			}
			c.handleFrame(r, res.Data)
		}
	}
}

// handleFrame files one raw frame and lets session-level frames drive the
// terminal transition.
func (c *Controller) handleFrame(r *run, data []byte) {
	ev, agentID, ok, err := c.store.IngestFrame(r.localID, data)
	if err != nil {
		return
	}
	if jerr := c.journal.AppendEvent(context.WithoutCancel(r.ctx), r.localID, agentID, data); jerr != nil {
		c.logger.Warn("failed to journal telemetry",
			slog.String("session_id", r.localID),
			slog.String("error", jerr.Error()))
	}
	if !ok || agentID != domain.SessionAgentID {
		return
	}

	terminal, failed := ev.Terminal()
	if !terminal {
		return
	}
	if failed {
		c.fail(r, eventFailure(ev))
		return
	}
	if raw := ev.Results(); raw != nil {
		c.complete(r, raw)
		return
	}
	// A completion notice without a payload; the poller fetches the results.
	r.startPolling()
}

func eventFailure(ev telemetry.Event) *domain.Failure {
	if f := normalize.Failure(ev.Fields); f != nil {
		return f
	}
	msg := fields.FirstString(ev.Fields, telemetry.MessageFields...)
	if msg == "" {
		msg = "analysis failed"
	}
	return domain.ErrBackend(msg, fields.FirstStrings(ev.Fields, normalize.FailureIssueFields...))
}

// complete applies a results payload. A payload that itself reports a
// failure moves the session to error with the backend's issue list.
func (c *Controller) complete(r *run, raw any) {
	if f := normalize.Failure(raw); f != nil {
		c.fail(r, f)
		return
	}
	completed, err := c.store.Complete(r.localID, raw)
	if err != nil || !completed {
		return
	}
	var elapsed time.Duration
	if sess := c.store.Session(); sess != nil && sess.TotalProcessingTimeMs != nil {
		elapsed = time.Duration(*sess.TotalProcessingTimeMs) * time.Millisecond
	}
	c.logger.Info("session completed",
		slog.String("session_id", r.localID),
		slog.Duration("elapsed", elapsed))
	c.record(r, domain.SessionProcessing, domain.SessionCompleted, "")
	r.finish()
}

// poll waits for the fallback to be switched on, then polls the results
// endpoint: immediately, and every PollInterval after that. "Not ready" is
// not a failure; it fetches the status snapshot as telemetry and
// reschedules. Other failures count against PollRetryBudget.
func (c *Controller) poll(r *run, backendID string) {
	select {
	case <-r.fallback:
	case <-r.done:
		return
	case <-r.ctx.Done():
		return
	}

	c.logger.Info("polling for results",
		slog.String("session_id", r.localID),
		slog.Duration("interval", c.cfg.PollInterval))

	p := &poller{budget: c.cfg.PollRetryBudget}
	if c.cfg.PollTimeout > 0 {
		p.deadline = time.Now().Add(c.cfg.PollTimeout)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.done:
			return
		case <-timer.C:
		}
		if c.pollOnce(r, backendID, p) {
			return
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

// poller is the retry state of one polling task.
type poller struct {
	failures int
	budget   int
	deadline time.Time
}

// pollOnce performs one poll. It reports whether polling is over.
func (c *Controller) pollOnce(r *run, backendID string, p *poller) bool {
	ctx, span := tracing.Start(r.ctx, "session.poll", tracing.SessionID(r.localID), tracing.BackendID(backendID))
	defer span.End()

	raw, err := c.backend.GetResults(ctx, backendID)
	switch {
	case err == nil:
		c.complete(r, raw)
		return true

	case r.ctx.Err() != nil:
		return true

	case errors.Is(err, backend.ErrNotReady):
		c.pollStatus(ctx, r, backendID)
		if r.terminated() {
			return true
		}
		if !p.deadline.IsZero() && time.Now().After(p.deadline) {
			c.fail(r, domain.NewFailure(domain.FailureTransport, "timed out waiting for results"))
			return true
		}
		return false

	case errors.Is(err, backend.ErrMalformedResponse):
		c.logger.Warn("discarding malformed results payload",
			slog.String("session_id", r.localID),
			slog.String("error", err.Error()))
		c.complete(r, nil)
		return true

	case permanent(err):
		span.RecordError(err)
		c.fail(r, domain.ErrTransport("failed to fetch results", err))
		return true

	default:
		span.RecordError(err)
		p.failures++
		if p.failures > p.budget {
			c.fail(r, domain.ErrTransport(fmt.Sprintf("polling failed %d times", p.failures), err))
			return true
		}
		c.logger.Warn("poll failed, retrying",
			slog.String("session_id", r.localID),
			slog.Int("failures", p.failures),
			slog.Int("budget", p.budget),
			slog.String("error", err.Error()))
		return false
	}
}

// permanent reports whether the backend rejected the request in a way a
// retry cannot fix. Transport errors and 429/5xx responses are retried.
func permanent(err error) bool {
	var apiErr *backend.APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// pollStatus fetches the status snapshot and files it as a session-level
// telemetry frame, so the timeline keeps moving while the live channel is
// down. Status fetch failures are only logged.
func (c *Controller) pollStatus(ctx context.Context, r *run, backendID string) {
	st, err := c.backend.GetStatus(ctx, backendID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("status fetch failed",
				slog.String("session_id", r.localID),
				slog.String("error", err.Error()))
		}
		return
	}
	if len(st.Raw) == 0 {
		return
	}
	c.handleFrame(r, st.Raw)
}
