package api

import (
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/auth"
)

// HandleListInstallations lists installation summaries, oldest first.
func HandleListInstallations(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := d.Tokens.List()

		views := make([]installationView, 0, len(all))
		for _, inst := range all {
			views = append(views, d.view(inst))
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"installations": views,
			"count":         len(views),
		})
	}
}

// HandleGetInstallation returns one installation summary.
func HandleGetInstallation(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := d.Tokens.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeJSON(w, http.StatusOK, d.view(inst))
	}
}

// HandleDeleteInstallation removes an installation and its timer.
func HandleDeleteInstallation(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		if err := d.Tokens.Remove(id); err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		d.Logger.Info("installation deleted",
			slog.String("installation_id", id),
			slog.String("user_id", auth.RequestUserID(r.Context())),
		)

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRefreshInstallation forces a token refresh.
func HandleRefreshInstallation(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := d.Tokens.Refresh(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeJSON(w, http.StatusOK, d.view(inst))
	}
}

// HandleValidateInstallation probes the installation's token upstream.
func HandleValidateInstallation(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := d.Tokens.Validate(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

type locationTokenRequest struct {
	LocationID string `json:"locationId"`
}

// HandleLocationToken exchanges a Company installation for a Location
// installation. The location comes from the JSON body or ?location_id=.
func HandleLocationToken(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req locationTokenRequest

		if r.ContentLength != 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, d.Logger, err)
				return
			}
		}

		if req.LocationID == "" {
			req.LocationID = r.URL.Query().Get("location_id")
		}

		inst, err := d.Tokens.LocationToken(r.Context(), r.PathValue("id"), strings.TrimSpace(req.LocationID))
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, d.view(inst))
	}
}

type tokenAccessResponse struct {
	InstallationID string    `json:"installationId"`
	AccessToken    string    `json:"accessToken"`
	TokenType      string    `json:"tokenType"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ExpiresIn      int       `json:"expiresIn"`
	UserType       string    `json:"userType"`
	LocationID     string    `json:"locationId,omitempty"`
	CompanyID      string    `json:"companyId,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
	TokenStatus    string    `json:"tokenStatus"`
}

// HandleTokenAccess returns a currently valid access token for other
// services to call GHL directly. The token is refreshed first when due.
func HandleTokenAccess(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		inst, err := d.Tokens.AccessToken(r.Context(), id)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		d.Logger.Info("token issued to caller",
			slog.String("installation_id", id),
			slog.String("user_id", auth.RequestUserID(r.Context())),
			slog.String("request_id", auth.RequestID(r.Context())),
		)

		expiresIn := int(math.Max(0, time.Until(inst.ExpiresAt).Seconds()))

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, tokenAccessResponse{
			InstallationID: inst.ID,
			AccessToken:    inst.AccessToken,
			TokenType:      "Bearer",
			ExpiresAt:      inst.ExpiresAt,
			ExpiresIn:      expiresIn,
			UserType:       string(inst.UserType),
			LocationID:     inst.LocationID,
			CompanyID:      inst.CompanyID,
			Scopes:         inst.Scopes,
			TokenStatus:    string(inst.TokenStatus),
		})
	}
}
