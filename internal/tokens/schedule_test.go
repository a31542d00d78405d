package tokens

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- nextDelay ---

func TestNextDelay(t *testing.T) {
	m := New(Options{Logger: testLogger()})
	now := t0

	base := func(mod func(i *models.Installation)) *models.Installation {
		inst := &models.Installation{
			ID:           "install_1",
			RefreshToken: "r1",
			IssuedAt:     now,
			ExpiresAt:    now.Add(24 * time.Hour),
			TokenStatus:  models.StatusValid,
		}
		mod(inst)

		return inst
	}

	tests := []struct {
		name      string
		inst      *models.Installation
		want      time.Duration
		scheduled bool
	}{
		{"fresh token at lead fraction", base(func(*models.Installation) {}), 19*time.Hour + 12*time.Minute, true},
		{"half way through lifetime", base(func(i *models.Installation) {
			i.IssuedAt = now.Add(-12 * time.Hour)
			i.ExpiresAt = now.Add(12 * time.Hour)
		}), 7*time.Hour + 12*time.Minute, true},
		{"past the lead clamps to min delay", base(func(i *models.Installation) {
			i.IssuedAt = now.Add(-20 * time.Hour)
			i.ExpiresAt = now.Add(4 * time.Hour)
		}), defaultMinDelay, true},
		{"expiring within min delay", base(func(i *models.Installation) {
			i.IssuedAt = now.Add(-24 * time.Hour)
			i.ExpiresAt = now.Add(2 * time.Minute)
		}), 0, true},
		{"already expired", base(func(i *models.Installation) {
			i.IssuedAt = now.Add(-25 * time.Hour)
			i.ExpiresAt = now.Add(-time.Hour)
		}), 0, true},
		{"unknown issue time uses remaining lifetime", base(func(i *models.Installation) {
			i.IssuedAt = time.Time{}
			i.ExpiresAt = now.Add(10 * time.Hour)
		}), 8 * time.Hour, true},
		{"refresh required", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshRequired
		}), 0, true},
		{"first failure", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshFailed
			i.FailureCount = 1
		}), time.Minute, true},
		{"third failure", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshFailed
			i.FailureCount = 3
		}), 4 * time.Minute, true},
		{"failure backoff capped at one hour", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshFailed
			i.FailureCount = 10
		}), time.Hour, true},
		{"failure backoff capped at expiry", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshFailed
			i.FailureCount = 3
			i.ExpiresAt = now.Add(30 * time.Second)
		}), 30 * time.Second, true},
		{"refresh expired", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusRefreshExpired
		}), 0, false},
		{"invalid", base(func(i *models.Installation) {
			i.TokenStatus = models.StatusInvalid
		}), 0, false},
		{"no refresh token", base(func(i *models.Installation) {
			i.RefreshToken = ""
		}), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.nextDelay(tt.inst, now)
			assert.Equal(t, tt.scheduled, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDelay_CustomLeadFraction(t *testing.T) {
	m := New(Options{Logger: testLogger(), LeadFraction: 0.5, MinDelay: time.Minute})

	inst := &models.Installation{
		RefreshToken: "r1",
		IssuedAt:     t0,
		ExpiresAt:    t0.Add(time.Hour),
		TokenStatus:  models.StatusValid,
	}

	got, ok := m.nextDelay(inst, t0)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Minute, got)
}

func TestFailureBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, failureBackoff(0))
	assert.Equal(t, time.Minute, failureBackoff(1))
	assert.Equal(t, 2*time.Minute, failureBackoff(2))
	assert.Equal(t, 32*time.Minute, failureBackoff(6))
	assert.Equal(t, time.Hour, failureBackoff(7))
	assert.Equal(t, time.Hour, failureBackoff(50))
}

func TestRetryDelay_Bounds(t *testing.T) {
	for range 100 {
		d := retryDelay(100*time.Millisecond, 1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)

		d = retryDelay(100*time.Millisecond, 3)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestNextRefresh(t *testing.T) {
	f := newFixture(t)
	inst := freshLocInstall("install_1")
	f.seed(t, inst)

	// Issued an hour ago with a 24h lifetime: due 19h12m after issue.
	assert.Equal(t, t0.Add(18*time.Hour+12*time.Minute), f.m.NextRefresh("install_1"))
	assert.True(t, f.m.NextRefresh("nope").IsZero())
}

// --- timers (fake clock) ---

type bubble struct {
	m      *Manager
	client *MockGHL
	store  *memStore
}

func newBubble(t *testing.T, tune ...func(*Options)) *bubble {
	ctrl := gomock.NewController(t)
	b := &bubble{client: NewMockGHL(ctrl), store: newMemStore()}

	opts := Options{
		Client:    b.client,
		Store:     b.store,
		Logger:    testLogger(),
		RetryBase: time.Millisecond,
	}
	for _, fn := range tune {
		fn(&opts)
	}

	b.m = New(opts)

	return b
}

func serialRefresh(o *Options) {
	o.Concurrency = 1
	o.MaxAttempts = 1
}

func (b *bubble) restore(t *testing.T, issued, expires time.Time) {
	t.Helper()
	require.NoError(t, b.store.SaveInstallation(&models.Installation{
		ID:           "install_1",
		AccessToken:  "tok",
		RefreshToken: "r1",
		LocationID:   "loc_123",
		UserType:     models.AuthClassLocation,
		IssuedAt:     issued,
		ExpiresAt:    expires,
		TokenStatus:  models.StatusValid,
		CreatedAt:    issued,
	}))
	require.NoError(t, b.m.Start())
}

func TestSchedule_RefreshesAtLeadFraction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)
		defer b.m.Stop()

		start := time.Now()
		b.restore(t, start, start.Add(24*time.Hour))

		var firedAt time.Time
		b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
			DoAndReturn(func(context.Context, string) (*ghl.TokenResponse, error) {
				firedAt = time.Now()
				return tokenResp(locGrant, firedAt, "r2"), nil
			})

		time.Sleep(19 * time.Hour)
		synctest.Wait()
		assert.True(t, firedAt.IsZero(), "refresh must not fire before the lead")

		time.Sleep(time.Hour)
		synctest.Wait()

		require.False(t, firedAt.IsZero())
		assert.WithinDuration(t, start.Add(19*time.Hour+12*time.Minute), firedAt, time.Second)

		got, err := b.m.Get("install_1")
		require.NoError(t, err)
		assert.Equal(t, "r2", got.RefreshToken)
		assert.Equal(t, 1, got.RefreshCount)
		assert.Equal(t, "r2", b.store.get("install_1").RefreshToken)
	})
}

func TestSchedule_ExpiredOnRestoreRefreshesImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)
		defer b.m.Stop()

		now := time.Now()
		b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
			Return(tokenResp(locGrant, now, "r2"), nil)

		b.restore(t, now.Add(-25*time.Hour), now.Add(-time.Hour))

		time.Sleep(time.Millisecond)
		synctest.Wait()

		got, err := b.m.Get("install_1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusValid, got.TokenStatus)
		assert.Equal(t, "r2", got.RefreshToken)
	})
}

func TestSchedule_FailureBacksOff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)
		defer b.m.Stop()

		now := time.Now()
		gomock.InOrder(
			b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
				Return(nil, &ghl.APIError{Endpoint: "/oauth/token", Status: 400, Code: "invalid_request", Message: "bad"}),
			b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
				Return(tokenResp(locGrant, now, "r2"), nil),
		)

		b.restore(t, now.Add(-25*time.Hour), now.Add(-time.Hour))

		time.Sleep(time.Millisecond)
		synctest.Wait()

		got, _ := b.m.Get("install_1")
		assert.Equal(t, models.StatusRefreshFailed, got.TokenStatus)
		assert.Equal(t, 1, got.FailureCount)

		time.Sleep(59 * time.Second)
		synctest.Wait()

		got, _ = b.m.Get("install_1")
		assert.Equal(t, models.StatusRefreshFailed, got.TokenStatus, "retry waits for the backoff")

		time.Sleep(time.Second)
		synctest.Wait()

		got, _ = b.m.Get("install_1")
		assert.Equal(t, models.StatusValid, got.TokenStatus)
		assert.Equal(t, 0, got.FailureCount)
	})
}

func TestSchedule_InvalidGrantStopsScheduling(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)
		defer b.m.Stop()

		now := time.Now()
		b.client.EXPECT().RefreshToken(gomock.Any(), "r1").Return(nil, invalidGrant()).Times(1)

		b.restore(t, now.Add(-25*time.Hour), now.Add(-time.Hour))

		time.Sleep(48 * time.Hour)
		synctest.Wait()

		got, _ := b.m.Get("install_1")
		assert.Equal(t, models.StatusRefreshExpired, got.TokenStatus)
		assert.True(t, b.m.NextRefresh("install_1").IsZero())
	})
}

func TestSchedule_StopCancelsTimers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)

		now := time.Now()
		b.restore(t, now, now.Add(24*time.Hour))
		b.m.Stop()

		// Any RefreshToken call would fail: no expectation is set.
		time.Sleep(48 * time.Hour)
		synctest.Wait()
	})
}

func TestRefresh_ConcurrentCallersShareOneRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t)
		defer b.m.Stop()

		now := time.Now()
		b.restore(t, now.Add(-20*time.Hour), now.Add(4*time.Hour))

		release := make(chan struct{})
		b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
			DoAndReturn(func(context.Context, string) (*ghl.TokenResponse, error) {
				<-release
				return tokenResp(locGrant, time.Now(), "r2"), nil
			}).Times(1)

		const callers = 5

		var wg sync.WaitGroup
		results := make([]string, callers)

		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				inst, err := b.m.Refresh(context.Background(), "install_1")
				if err == nil {
					results[i] = inst.RefreshToken
				}
			}()
		}

		synctest.Wait()
		close(release)
		wg.Wait()

		for i, r := range results {
			assert.Equal(t, "r2", r, "caller %d", i)
		}
	})
}

func TestSchedule_HungRefreshCountsAsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t, serialRefresh)
		defer b.m.Stop()

		now := time.Now()
		gomock.InOrder(
			b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
				DoAndReturn(func(ctx context.Context, _ string) (*ghl.TokenResponse, error) {
					<-ctx.Done()
					return nil, fmt.Errorf("refreshing token: %w", ctx.Err())
				}),
			b.client.EXPECT().RefreshToken(gomock.Any(), "r1").
				Return(tokenResp(locGrant, now, "r2"), nil),
		)

		b.restore(t, now.Add(-25*time.Hour), now.Add(-time.Hour))

		time.Sleep(refreshTimeout + time.Second)
		synctest.Wait()

		got, err := b.m.Get("install_1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefreshFailed, got.TokenStatus)
		assert.Equal(t, 1, got.FailureCount)
		assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
		assert.False(t, b.m.NextRefresh("install_1").IsZero(), "timed out refresh is rescheduled")

		time.Sleep(failureBackoffBase)
		synctest.Wait()

		got, _ = b.m.Get("install_1")
		assert.Equal(t, models.StatusValid, got.TokenStatus)
		assert.Equal(t, "r2", got.RefreshToken)
		assert.Equal(t, 0, got.FailureCount)
	})
}

func TestSchedule_SlotWaitTimeoutCountsAsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newBubble(t, serialRefresh)
		defer b.m.Stop()

		now := time.Now()
		require.NoError(t, b.store.SaveInstallation(&models.Installation{
			ID:           "install_2",
			AccessToken:  "tok2",
			RefreshToken: "q1",
			LocationID:   "loc_456",
			UserType:     models.AuthClassLocation,
			IssuedAt:     now,
			ExpiresAt:    now.Add(24 * time.Hour),
			TokenStatus:  models.StatusValid,
			CreatedAt:    now,
		}))

		// The first upstream call holds the only refresh slot until
		// released; later calls succeed.
		release := make(chan struct{})
		var calls atomic.Int32
		b.client.EXPECT().RefreshToken(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, rt string) (*ghl.TokenResponse, error) {
				if calls.Add(1) == 1 {
					<-release
					return nil, fmt.Errorf("refreshing token: %w", ctx.Err())
				}
				return tokenResp(locGrant, time.Now(), rt+"-next"), nil
			}).AnyTimes()

		b.restore(t, now.Add(-25*time.Hour), now.Add(-time.Hour))

		time.Sleep(time.Millisecond)
		synctest.Wait()

		errc := make(chan error, 1)
		go func() {
			_, err := b.m.Refresh(context.Background(), "install_2")
			errc <- err
		}()

		time.Sleep(refreshTimeout + time.Second)
		synctest.Wait()

		err := <-errc
		assert.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		got, _ := b.m.Get("install_2")
		assert.Equal(t, models.StatusRefreshFailed, got.TokenStatus)
		assert.Equal(t, 1, got.FailureCount)
		assert.Contains(t, got.LastError, "refresh slot")
		assert.Equal(t, "q1", got.RefreshToken)

		close(release)
		synctest.Wait()

		got, _ = b.m.Get("install_1")
		assert.Equal(t, models.StatusRefreshFailed, got.TokenStatus)
		assert.Equal(t, 1, got.FailureCount)

		time.Sleep(failureBackoffBase + time.Second)
		synctest.Wait()

		got, _ = b.m.Get("install_1")
		assert.Equal(t, models.StatusValid, got.TokenStatus)
		assert.Equal(t, "r1-next", got.RefreshToken)

		got, _ = b.m.Get("install_2")
		assert.Equal(t, models.StatusValid, got.TokenStatus)
		assert.Equal(t, "q1-next", got.RefreshToken)
	})
}
