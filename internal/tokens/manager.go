// Package tokens owns the lifecycle of GHL OAuth installations: code
// exchange, scheduled and on-demand refresh, validation, and the
// terminal states that require a reinstall.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/logging"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLeadFraction = 0.8
	defaultMinDelay     = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultConcurrency  = 4
	defaultRetryBase    = 500 * time.Millisecond

	// refreshTimeout bounds one shared refresh including retries.
	refreshTimeout = 2 * time.Minute

	// tokenTTL is assumed when neither expires_in nor an exp claim is
	// present. GHL access tokens live for about a day.
	tokenTTL = 24 * time.Hour
)

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("token manager stopped")

// Store persists installations. *state.State satisfies it.
type Store interface {
	SaveInstallation(inst *models.Installation) error
	DeleteInstallation(id string) error
	AllInstallations() ([]*models.Installation, error)
}

// Publisher receives lifecycle events. *events.Broker satisfies it.
type Publisher interface {
	Publish(e models.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(models.Event) {}

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	Client      GHL
	Store       Store
	Events      Publisher
	Logger      *slog.Logger
	RedirectURI string

	// UserType is requested when the caller does not name one.
	UserType models.AuthClass

	LeadFraction float64
	MinDelay     time.Duration
	MaxAttempts  int
	Concurrency  int

	// RetryBase is the first backoff between transient refresh failures.
	RetryBase time.Duration

	Now func() time.Time
}

// Manager tracks installations in memory with write-through to Store.
type Manager struct {
	client      GHL
	store       Store
	events      Publisher
	logger      *slog.Logger
	redirectURI string
	userType    models.AuthClass

	leadFraction float64
	minDelay     time.Duration
	maxAttempts  int
	retryBase    time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	installs map[string]*models.Installation
	timers   map[string]*time.Timer
	stopped  bool

	group  singleflight.Group
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Call Start to restore persisted installations
// and Stop to cancel timers and in-flight refreshes.
func New(opts Options) *Manager {
	m := &Manager{
		client:       opts.Client,
		store:        opts.Store,
		events:       opts.Events,
		logger:       opts.Logger,
		redirectURI:  opts.RedirectURI,
		userType:     opts.UserType,
		leadFraction: opts.LeadFraction,
		minDelay:     opts.MinDelay,
		maxAttempts:  opts.MaxAttempts,
		retryBase:    opts.RetryBase,
		now:          opts.Now,
		installs:     make(map[string]*models.Installation),
		timers:       make(map[string]*time.Timer),
	}

	if m.events == nil {
		m.events = noopPublisher{}
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	m.logger = m.logger.With(slog.String("component", "tokens"))

	if m.userType == "" {
		m.userType = models.AuthClassLocation
	}

	if m.leadFraction <= 0 || m.leadFraction >= 1 {
		m.leadFraction = defaultLeadFraction
	}

	if m.minDelay <= 0 {
		m.minDelay = defaultMinDelay
	}

	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}

	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}

	if m.now == nil {
		m.now = time.Now
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	m.sem = semaphore.NewWeighted(int64(concurrency))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m
}

// Start loads persisted installations and schedules their refreshes.
// Tokens that already expired are refreshed right away.
func (m *Manager) Start() error {
	all, err := m.store.AllInstallations()
	if err != nil {
		return fmt.Errorf("loading installations: %w", err)
	}

	m.mu.Lock()
	for _, inst := range all {
		m.installs[inst.ID] = inst
	}
	m.mu.Unlock()

	for _, inst := range all {
		m.schedule(inst)
	}

	m.logger.Info("installations restored", slog.Int("count", len(all)))

	return nil
}

// Stop cancels all timers and in-flight refreshes and waits for
// scheduled work to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	m.stopped = true

	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Install exchanges an authorization code for tokens and stores the
// resulting installation. Reinstalling the same location or company
// replaces the existing record and clears any terminal status.
func (m *Manager) Install(ctx context.Context, code string, userType models.AuthClass) (*models.Installation, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", apperrors.ErrValidation)
	}

	if userType == "" {
		userType = m.userType
	}

	resp, err := m.client.ExchangeCode(ctx, code, m.redirectURI, string(userType))
	if err != nil {
		return nil, err
	}

	return m.adopt(resp, userType, "", "")
}

// adopt turns a token response into a stored installation. The
// fallbacks fill identity fields neither the response nor the claims
// carry.
func (m *Manager) adopt(resp *ghl.TokenResponse, userType models.AuthClass, locationID, companyID string) (*models.Installation, error) {
	now := m.now()

	claims, err := ghl.DecodeClaims(resp.AccessToken)
	if err != nil {
		m.logger.Warn("access token claims not decodable",
			slog.String("token", logging.Fingerprint(resp.AccessToken)),
			slog.String("error", err.Error()),
		)

		claims = nil
	}

	id := ghl.ResolveIdentity(resp, claims)
	if len(id.Mismatches) > 0 {
		m.logger.Warn("token response disagrees with claims, using response",
			slog.Any("fields", id.Mismatches),
		)
	}

	if !id.UserType.Valid() {
		id.UserType = userType
	}

	if id.LocationID == "" && id.UserType == models.AuthClassLocation {
		id.LocationID = locationID
	}

	if id.CompanyID == "" {
		id.CompanyID = companyID
	}

	inst := &models.Installation{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		LocationID:   id.LocationID,
		CompanyID:    id.CompanyID,
		UserType:     id.UserType,
		UserID:       resp.UserID,
		Scopes:       id.Scopes,
		ExpiresAt:    expiresAt(resp, claims, now),
		IssuedAt:     now,
		TokenStatus:  models.StatusValid,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if inst.UserType == models.AuthClassLocation && inst.LocationID == "" {
		m.logger.Warn("location token without a location id; product and media calls will be refused")
	}

	m.mu.Lock()

	replaced := false
	if existing := m.findTenantLocked(inst); existing != nil {
		inst.ID = existing.ID
		inst.CreatedAt = existing.CreatedAt
		inst.RefreshCount = existing.RefreshCount
		replaced = true
	} else {
		inst.ID = m.newIDLocked(now)
	}

	if err := m.store.SaveInstallation(inst); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("saving installation: %w", err)
	}

	m.installs[inst.ID] = inst.Clone()
	m.mu.Unlock()

	m.schedule(inst)

	m.logger.Info("installation stored",
		slog.String("installation_id", inst.ID),
		slog.String("user_type", string(inst.UserType)),
		slog.String("location_id", inst.LocationID),
		slog.String("company_id", inst.CompanyID),
		slog.Bool("replaced", replaced),
		slog.Time("expires_at", inst.ExpiresAt),
	)

	m.events.Publish(models.Event{
		Type:           models.EventInstalled,
		InstallationID: inst.ID,
		Status:         inst.TokenStatus,
	})

	return inst.Clone(), nil
}

func (m *Manager) findTenantLocked(inst *models.Installation) *models.Installation {
	key := tenantKey(inst)
	if key == "" {
		return nil
	}

	for _, existing := range m.installs {
		if tenantKey(existing) == key {
			return existing
		}
	}

	return nil
}

func tenantKey(inst *models.Installation) string {
	switch inst.UserType {
	case models.AuthClassLocation:
		if inst.LocationID != "" {
			return "location:" + inst.LocationID
		}
	case models.AuthClassCompany:
		if inst.CompanyID != "" {
			return "company:" + inst.CompanyID
		}
	}

	return ""
}

// newIDLocked returns install_<unix-millis>, suffixed when taken.
func (m *Manager) newIDLocked(now time.Time) string {
	base := "install_" + strconv.FormatInt(now.UnixMilli(), 10)
	id := base

	for n := 2; ; n++ {
		if _, taken := m.installs[id]; !taken {
			return id
		}

		id = base + "_" + strconv.Itoa(n)
	}
}

func expiresAt(resp *ghl.TokenResponse, claims *ghl.Claims, now time.Time) time.Time {
	if resp.ExpiresIn > 0 {
		return resp.ExpiresAt(now)
	}

	if claims != nil && !claims.Expiry().IsZero() {
		return claims.Expiry()
	}

	return now.Add(tokenTTL)
}

// Get returns a copy of an installation.
func (m *Manager) Get(id string) (*models.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.installs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInstallationNotFound, id)
	}

	return inst.Clone(), nil
}

// List returns copies of all installations, oldest first.
func (m *Manager) List() []*models.Installation {
	m.mu.RLock()
	out := make([]*models.Installation, 0, len(m.installs))
	for _, inst := range m.installs {
		out = append(out, inst.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Counts returns the number of installations per token status.
func (m *Manager) Counts() map[models.TokenStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.TokenStatus]int)
	for _, inst := range m.installs {
		counts[inst.TokenStatus]++
	}

	return counts
}

// Remove deletes an installation and cancels its refresh timer.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()

	if _, ok := m.installs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrInstallationNotFound, id)
	}

	if err := m.store.DeleteInstallation(id); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("deleting installation: %w", err)
	}

	delete(m.installs, id)

	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.logger.Info("installation removed", slog.String("installation_id", id))
	m.events.Publish(models.Event{Type: models.EventRemoved, InstallationID: id})

	return nil
}

// AccessToken returns the installation with a usable access token,
// refreshing first when the token is inside its refresh lead or a
// previous refresh left it flagged. If that refresh fails transiently
// and the current token has not expired, the current token is returned.
func (m *Manager) AccessToken(ctx context.Context, id string) (*models.Installation, error) {
	inst, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if err := terminalErr(inst); err != nil {
		return nil, err
	}

	now := m.now()
	if !m.dueForRefresh(inst, now) {
		return inst, nil
	}

	fresh, err := m.Refresh(ctx, id)
	if err == nil {
		return fresh, nil
	}

	if errors.Is(err, apperrors.ErrRefreshExpired) ||
		errors.Is(err, apperrors.ErrMissingRefreshToken) ||
		errors.Is(err, apperrors.ErrInstallationNotFound) ||
		inst.Expired(now) {
		return nil, err
	}

	m.logger.Warn("refresh failed, serving current token",
		slog.String("installation_id", id),
		slog.Time("expires_at", inst.ExpiresAt),
		slog.String("error", err.Error()),
	)

	return inst, nil
}

func (m *Manager) dueForRefresh(inst *models.Installation, now time.Time) bool {
	switch inst.TokenStatus {
	case models.StatusRefreshRequired, models.StatusRefreshFailed:
		return true
	}

	return inst.NeedsRefresh(now, m.refreshLead(inst))
}

// refreshLead is the share of the lifetime left when the scheduled
// refresh is due.
func (m *Manager) refreshLead(inst *models.Installation) time.Duration {
	lifetime := inst.Lifetime()
	if lifetime <= 0 {
		return m.minDelay
	}

	return time.Duration(float64(lifetime) * (1 - m.leadFraction))
}

func terminalErr(inst *models.Installation) error {
	switch inst.TokenStatus {
	case models.StatusRefreshExpired:
		return fmt.Errorf("%w: installation %s", apperrors.ErrRefreshExpired, inst.ID)
	case models.StatusInvalid:
		return fmt.Errorf("%w: installation %s: %s", apperrors.ErrInvalidToken, inst.ID, inst.LastError)
	}

	return nil
}

// Refresh exchanges the installation's refresh token for a new token
// pair. Concurrent calls for one installation share a single upstream
// request. The shared request is bound to the manager's lifetime, not to
// the first caller, so a caller giving up does not abort it for others.
func (m *Manager) Refresh(ctx context.Context, id string) (*models.Installation, error) {
	ch := m.group.DoChan(id, func() (interface{}, error) {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return nil, ErrStopped
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		rctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
		defer cancel()

		return m.refresh(rctx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*models.Installation).Clone(), nil
	}
}

func (m *Manager) refresh(ctx context.Context, id string) (*models.Installation, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		inst, gerr := m.Get(id)
		if gerr != nil {
			return nil, gerr
		}

		if terr := terminalErr(inst); terr != nil {
			return nil, terr
		}

		return m.recordFailure(inst, grantOf(inst), fmt.Errorf("waiting for a refresh slot: %w", err))
	}
	defer m.sem.Release(1)

	inst, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if err := terminalErr(inst); err != nil {
		return nil, err
	}

	g := grantOf(inst)

	if inst.RefreshToken == "" {
		msg := apperrors.ErrMissingRefreshToken.Error()

		marked, err := m.markStatus(id, g, models.StatusInvalid, msg)
		if err != nil {
			return nil, err
		}

		if !marked {
			return m.superseded(id)
		}

		m.unschedule(id)
		m.events.Publish(models.Event{
			Type:           models.EventRefreshFailed,
			InstallationID: id,
			Status:         models.StatusInvalid,
			Message:        msg,
		})

		return nil, fmt.Errorf("%w: installation %s", apperrors.ErrMissingRefreshToken, id)
	}

	resp, err := m.refreshWithRetry(ctx, inst)
	if err != nil {
		return m.recordFailure(inst, g, err)
	}

	applyRefresh(inst, resp, m.now())

	if err := m.commit(inst, g); err != nil {
		if errors.Is(err, errSuperseded) {
			return m.superseded(id)
		}

		return nil, err
	}

	m.schedule(inst)

	m.logger.Info("token refreshed",
		slog.String("installation_id", id),
		slog.Int("refresh_count", inst.RefreshCount),
		slog.Time("expires_at", inst.ExpiresAt),
		slog.String("token", logging.Fingerprint(inst.AccessToken)),
	)

	m.events.Publish(models.Event{
		Type:           models.EventRefreshed,
		InstallationID: id,
		Status:         inst.TokenStatus,
	})

	return inst, nil
}

func (m *Manager) refreshWithRetry(ctx context.Context, inst *models.Installation) (*ghl.TokenResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		resp, err := m.client.RefreshToken(ctx, inst.RefreshToken)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !ghl.IsTransient(err) || attempt == m.maxAttempts {
			break
		}

		delay := retryDelay(m.retryBase, attempt)
		m.logger.Debug("transient refresh failure, retrying",
			slog.String("installation_id", inst.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return nil, lastErr
}

// recordFailure updates the installation after a failed refresh and
// returns the error for the caller. Failures caused by shutdown are not
// counted; a refresh that ran out of time is.
func (m *Manager) recordFailure(inst *models.Installation, g grant, err error) (*models.Installation, error) {
	if m.ctx.Err() != nil {
		return nil, err
	}

	inst.LastError = err.Error()
	inst.UpdatedAt = m.now()

	if ghl.IsInvalidGrant(err) {
		inst.TokenStatus = models.StatusRefreshExpired

		if cerr := m.commit(inst, g); cerr != nil {
			if errors.Is(cerr, errSuperseded) {
				return m.superseded(inst.ID)
			}

			return nil, cerr
		}

		m.unschedule(inst.ID)

		m.logger.Warn("refresh token rejected, reinstall required",
			slog.String("installation_id", inst.ID),
			slog.String("error", err.Error()),
		)

		m.events.Publish(models.Event{
			Type:           models.EventRefreshExpired,
			InstallationID: inst.ID,
			Status:         inst.TokenStatus,
			Message:        inst.LastError,
		})

		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshExpired, err)
	}

	inst.TokenStatus = models.StatusRefreshFailed
	inst.FailureCount++

	if cerr := m.commit(inst, g); cerr != nil {
		if errors.Is(cerr, errSuperseded) {
			return m.superseded(inst.ID)
		}

		return nil, cerr
	}

	m.schedule(inst)

	m.logger.Error("token refresh failed",
		slog.String("installation_id", inst.ID),
		slog.Int("failure_count", inst.FailureCount),
		slog.String("error", err.Error()),
	)

	m.events.Publish(models.Event{
		Type:           models.EventRefreshFailed,
		InstallationID: inst.ID,
		Status:         inst.TokenStatus,
		Message:        inst.LastError,
	})

	return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
}

func applyRefresh(inst *models.Installation, resp *ghl.TokenResponse, now time.Time) {
	var claims *ghl.Claims
	if resp.ExpiresIn <= 0 {
		claims, _ = ghl.DecodeClaims(resp.AccessToken)
	}

	inst.AccessToken = resp.AccessToken

	// GHL rotates refresh tokens, but a response without one keeps
	// the current token usable.
	if resp.RefreshToken != "" {
		inst.RefreshToken = resp.RefreshToken
	}

	if scopes := resp.Scopes(); len(scopes) > 0 {
		inst.Scopes = scopes
	}

	inst.ExpiresAt = expiresAt(resp, claims, now)
	inst.IssuedAt = now
	inst.TokenStatus = models.StatusValid
	inst.FailureCount = 0
	inst.LastError = ""
	inst.RefreshCount++
	inst.LastRefreshedAt = now
	inst.UpdatedAt = now
}

// errSuperseded means the installation was given a new token pair while
// a refresh or validation based on the old pair was in flight.
var errSuperseded = errors.New("installation superseded")

// grant identifies the token pair a snapshot was taken from. A reinstall
// or a successful refresh replaces it.
type grant struct {
	refreshToken string
	issuedAt     time.Time
}

func grantOf(inst *models.Installation) grant {
	return grant{refreshToken: inst.RefreshToken, issuedAt: inst.IssuedAt}
}

func (g grant) matches(inst *models.Installation) bool {
	return inst.RefreshToken == g.refreshToken && inst.IssuedAt.Equal(g.issuedAt)
}

// commit writes inst through to the store and memory if the stored
// installation still holds grant g. A store failure is logged but memory
// is still updated: a rotated refresh token must not be lost.
func (m *Manager) commit(inst *models.Installation, g grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.installs[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s removed during refresh", apperrors.ErrInstallationNotFound, inst.ID)
	}

	if !g.matches(cur) {
		return errSuperseded
	}

	m.persistLocked(inst)

	return nil
}

// markStatus sets the status of the stored installation in place. It
// reports false and changes nothing when the installation no longer
// holds grant g.
func (m *Manager) markStatus(id string, g grant, status models.TokenStatus, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.installs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", apperrors.ErrInstallationNotFound, id)
	}

	if !g.matches(cur) {
		return false, nil
	}

	inst := cur.Clone()
	inst.TokenStatus = status
	inst.LastError = msg
	inst.UpdatedAt = m.now()

	m.persistLocked(inst)

	return true, nil
}

func (m *Manager) persistLocked(inst *models.Installation) {
	if err := m.store.SaveInstallation(inst); err != nil {
		m.logger.Error("persisting installation failed",
			slog.String("installation_id", inst.ID),
			slog.String("error", err.Error()),
		)
	}

	m.installs[inst.ID] = inst.Clone()
}

// superseded drops the outcome of a refresh whose token pair was replaced
// while it ran and returns the installation as it now stands.
func (m *Manager) superseded(id string) (*models.Installation, error) {
	m.logger.Info("refresh outcome discarded, installation has a newer token pair",
		slog.String("installation_id", id),
	)

	return m.Get(id)
}
