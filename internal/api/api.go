// Package api implements the bridge's HTTP handlers: the OAuth install
// flow, installation management, token access, and the product, price
// and media proxies.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/alexjbarnes/ghl-bridge/internal/tokens"
)

// InstallationHeader names the installation a proxy call acts for.
const InstallationHeader = "X-Installation-ID"

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// Upstream is the GHL API surface the proxies call. *ghl.Client
// satisfies it.
type Upstream interface {
	ListProducts(ctx context.Context, token, locationID string, limit, offset int) (json.RawMessage, error)
	CreateProduct(ctx context.Context, token string, p *ghl.Product) (json.RawMessage, error)
	CreatePrice(ctx context.Context, token, productID string, p *ghl.Price) (json.RawMessage, error)
	UploadMedia(ctx context.Context, token string, u *ghl.Upload) (json.RawMessage, error)
	ListMedia(ctx context.Context, token, locationID string, limit int) (json.RawMessage, error)
}

var _ Upstream = (*ghl.Client)(nil)

// Deps holds everything the handlers need.
type Deps struct {
	Tokens   *tokens.Manager
	Upstream Upstream
	Auth     *auth.Store
	Logger   *slog.Logger

	// OAuth install flow.
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
	UserType    models.AuthClass

	// MediaMaxBytes caps multipart uploads.
	MediaMaxBytes int64
}

// installationView is the secret-free installation returned by the
// management endpoints.
type installationView struct {
	models.InstallationSummary
	NextRefreshAt time.Time `json:"nextRefreshAt,omitzero"`
}

func (d *Deps) view(inst *models.Installation) installationView {
	return installationView{
		InstallationSummary: inst.Summary(),
		NextRefreshAt:       d.Tokens.NextRefresh(inst.ID),
	}
}

// resolveInstallation picks the installation a proxy call acts for: the
// installation_id query parameter, then the X-Installation-ID header. With
// neither, the only installation is used if exactly one exists.
func (d *Deps) resolveInstallation(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("installation_id")); id != "" {
		return id, nil
	}

	if id := strings.TrimSpace(r.Header.Get(InstallationHeader)); id != "" {
		return id, nil
	}

	all := d.Tokens.List()
	if len(all) == 1 {
		return all[0].ID, nil
	}

	return "", fmt.Errorf("%w: installation_id query parameter or %s header is required", apperrors.ErrValidation, InstallationHeader)
}

// withToken runs call with a usable token for installation id. Location
// level and the granted scope are checked before any upstream call. An
// upstream 401 triggers one refresh and one retry.
func (d *Deps) withToken(ctx context.Context, id, scope string, call func(inst *models.Installation) (json.RawMessage, error)) (json.RawMessage, error) {
	inst, err := d.Tokens.AccessToken(ctx, id)
	if err != nil {
		return nil, err
	}

	if !inst.IsLocationLevel() {
		if inst.UserType == models.AuthClassCompany {
			return nil, fmt.Errorf("%w: installation %s is Company-level; exchange it with POST /api/installations/%s/location-token",
				apperrors.ErrNotLocationToken, id, id)
		}

		return nil, fmt.Errorf("%w: installation %s has no location id; reinstall the app on a location",
			apperrors.ErrNotLocationToken, id)
	}

	// Installations restored without scopes are let through; GHL has the
	// final say.
	if len(inst.Scopes) > 0 && !inst.HasScope(scope) {
		return nil, fmt.Errorf("%w: installation %s was not granted %s", apperrors.ErrMissingScope, id, scope)
	}

	out, err := call(inst)
	if !ghl.IsUnauthorized(err) {
		return out, err
	}

	d.Logger.Info("upstream rejected token, refreshing",
		slog.String("installation_id", id),
		slog.String("error", err.Error()),
	)

	inst, err = d.Tokens.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}

	return call(inst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", apperrors.ErrValidation, err)
	}

	return nil
}
