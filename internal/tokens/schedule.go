package tokens

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
)

const (
	// failureBackoffBase is the delay after the first failed scheduled
	// refresh. It doubles per consecutive failure.
	failureBackoffBase = time.Minute
	maxBackoff         = time.Hour
)

// nextDelay returns how long to wait before the next scheduled refresh,
// or false when the installation should not be scheduled.
//
// A healthy token is refreshed at leadFraction of its lifetime but never
// sooner than minDelay from now. A token with less than minDelay left
// (or already expired) is refreshed immediately. After a failure the
// retry backs off exponentially, capped at one hour and at the token's
// remaining lifetime.
func (m *Manager) nextDelay(inst *models.Installation, now time.Time) (time.Duration, bool) {
	if inst.TokenStatus.Terminal() || inst.RefreshToken == "" {
		return 0, false
	}

	until := inst.ExpiresAt.Sub(now)

	switch inst.TokenStatus {
	case models.StatusRefreshRequired:
		return 0, true
	case models.StatusRefreshFailed:
		b := failureBackoff(inst.FailureCount)
		if until > 0 && b > until {
			b = until
		}

		return b, true
	}

	if until <= m.minDelay {
		return 0, true
	}

	issued := inst.IssuedAt
	lifetime := inst.Lifetime()

	if issued.IsZero() || lifetime <= 0 {
		issued = now
		lifetime = until
	}

	delay := issued.Add(time.Duration(float64(lifetime) * m.leadFraction)).Sub(now)
	if delay < m.minDelay {
		delay = m.minDelay
	}

	return delay, true
}

func failureBackoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	d := failureBackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}

	return d
}

// retryDelay is the pause between immediate retries of a transient
// failure: base doubled per attempt plus up to 50% jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}

	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// schedule (re)arms the refresh timer for inst.
func (m *Manager) schedule(inst *models.Installation) {
	delay, ok := m.nextDelay(inst, m.now())
	id := inst.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	if t, exists := m.timers[id]; exists {
		t.Stop()
		delete(m.timers, id)
	}

	if !ok {
		return
	}

	m.timers[id] = time.AfterFunc(delay, func() { m.fire(id) })

	m.logger.Debug("refresh scheduled",
		slog.String("installation_id", id),
		slog.Duration("in", delay),
	)
}

func (m *Manager) unschedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// fire runs a scheduled refresh. Failures reschedule themselves through
// recordFailure.
func (m *Manager) fire(id string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
	defer cancel()

	if _, err := m.Refresh(ctx, id); err != nil {
		m.logger.Debug("scheduled refresh did not complete",
			slog.String("installation_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// NextRefresh reports when the installation's timer is due, for status
// views. The zero time means nothing is scheduled.
func (m *Manager) NextRefresh(id string) time.Time {
	inst, err := m.Get(id)
	if err != nil {
		return time.Time{}
	}

	now := m.now()

	delay, ok := m.nextDelay(inst, now)
	if !ok {
		return time.Time{}
	}

	return now.Add(delay)
}
