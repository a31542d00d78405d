package api

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
)

// HandleAuthorize redirects the browser to GHL's chooselocation screen
// with a single-use state value. ?user_type=Company requests an agency
// level install.
func HandleAuthorize(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userType := d.UserType
		if v := r.URL.Query().Get("user_type"); v != "" {
			userType = models.AuthClass(v)
		}

		if !userType.Valid() {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "user_type must be Location or Company")
			return
		}

		state := d.Auth.NewState(userType)
		if state == "" {
			d.Logger.Warn("oauth: too many pending installs")
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "too many pending installs, try again later")

			return
		}

		target, err := ghl.AuthorizeURL(d.AuthURL, d.ClientID, d.RedirectURI, d.Scopes, state)
		if err != nil {
			d.Logger.Error("oauth: building authorize url", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "authorize url misconfigured")

			return
		}

		http.Redirect(w, r, target, http.StatusFound)
	}
}

// HandleCallback completes an install: it checks the state value, then
// exchanges the code and stores the installation. Installs started from
// the GHL marketplace listing arrive without state and use the
// configured user type.
func HandleCallback(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if e := q.Get("error"); e != "" {
			d.Logger.Warn("oauth: install denied",
				slog.String("error", e),
				slog.String("description", q.Get("error_description")),
			)
			writeJSONError(w, http.StatusBadRequest, e, q.Get("error_description"))

			return
		}

		code := q.Get("code")
		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		userType := d.UserType

		if state := q.Get("state"); state != "" {
			pending, ok := d.Auth.ConsumeState(state)
			if !ok {
				d.Logger.Warn("oauth: invalid state", slog.String("remote_ip", auth.RequestRemoteIP(r.Context())))
				writeJSONError(w, http.StatusBadRequest, "invalid_state", "state is unknown or expired, start the install again")

				return
			}

			userType = pending.UserType
		} else {
			d.Logger.Info("oauth: marketplace-initiated install without state")
		}

		inst, err := d.Tokens.Install(r.Context(), code, userType)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"message":      "installation complete",
			"installation": d.view(inst),
		})
	}
}
