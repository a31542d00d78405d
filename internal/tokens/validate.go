package tokens

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
)

// ValidationResult is the outcome of probing an installation's token
// against GHL.
type ValidationResult struct {
	InstallationID string             `json:"installationId"`
	Valid          bool               `json:"valid"`
	Refreshed      bool               `json:"refreshed"`
	Endpoint       string             `json:"endpoint"`
	UserType       models.AuthClass   `json:"userType"`
	Status         models.TokenStatus `json:"tokenStatus"`
	Message        string             `json:"message,omitempty"`
}

// Validate makes a lightweight authenticated call with the installation's
// token. A 401 marks the installation refresh_required, refreshes once
// and probes again; a second 401 marks it invalid unless the installation
// was reinstalled meanwhile. An authClass rejection
// means the token works but is the wrong level for the probe.
func (m *Manager) Validate(ctx context.Context, id string) (*ValidationResult, error) {
	inst, err := m.AccessToken(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &ValidationResult{InstallationID: id, UserType: inst.UserType}

	err = m.probe(ctx, inst, res)
	if ghl.IsUnauthorized(err) {
		if _, serr := m.markStatus(id, grantOf(inst), models.StatusRefreshRequired, err.Error()); serr != nil {
			return nil, serr
		}

		inst, err = m.Refresh(ctx, id)
		if err != nil {
			return nil, err
		}

		res.Refreshed = true
		err = m.probe(ctx, inst, res)

		if ghl.IsUnauthorized(err) {
			marked, serr := m.markStatus(id, grantOf(inst), models.StatusInvalid, err.Error())
			if serr != nil {
				return nil, serr
			}

			if marked {
				m.unschedule(id)

				res.Status = models.StatusInvalid
				res.Message = err.Error()
				m.publishValidated(res)

				return res, nil
			}
		}
	}

	switch {
	case err == nil:
		res.Valid = true
	case ghl.IsAuthClassRejected(err), ghl.IsUnauthorized(err):
		// An unauthorized result here came from a token pair that has
		// since been replaced, so the installation keeps its status.
		res.Message = err.Error()
	default:
		return nil, err
	}

	cur, gerr := m.Get(id)
	if gerr != nil {
		return nil, gerr
	}

	res.Status = cur.TokenStatus
	m.publishValidated(res)

	return res, nil
}

func (m *Manager) probe(ctx context.Context, inst *models.Installation, res *ValidationResult) error {
	switch inst.UserType {
	case models.AuthClassCompany:
		if inst.CompanyID == "" {
			return fmt.Errorf("%w: company installation %s has no company id", apperrors.ErrValidation, inst.ID)
		}

		res.Endpoint = "/companies/" + inst.CompanyID
		_, err := m.client.GetCompany(ctx, inst.AccessToken, inst.CompanyID)

		return err
	default:
		if inst.LocationID == "" {
			return fmt.Errorf("%w: installation %s has no location id", apperrors.ErrNotLocationToken, inst.ID)
		}

		res.Endpoint = "/locations/" + inst.LocationID
		_, err := m.client.GetLocation(ctx, inst.AccessToken, inst.LocationID)

		return err
	}
}

func (m *Manager) publishValidated(res *ValidationResult) {
	m.logger.Info("installation validated",
		slog.String("installation_id", res.InstallationID),
		slog.Bool("valid", res.Valid),
		slog.Bool("refreshed", res.Refreshed),
		slog.String("status", string(res.Status)),
	)

	m.events.Publish(models.Event{
		Type:           models.EventValidated,
		InstallationID: res.InstallationID,
		Status:         res.Status,
		Message:        res.Message,
	})
}

// LocationToken mints a Location-level token for locationID from a
// Company installation and stores it as its own installation. A 401 on
// the first attempt triggers one refresh of the company token.
func (m *Manager) LocationToken(ctx context.Context, id, locationID string) (*models.Installation, error) {
	if locationID == "" {
		return nil, fmt.Errorf("%w: locationId is required", apperrors.ErrValidation)
	}

	inst, err := m.AccessToken(ctx, id)
	if err != nil {
		return nil, err
	}

	if inst.UserType != models.AuthClassCompany {
		return nil, fmt.Errorf("%w: installation %s is %s-level; location tokens are minted from company installations",
			apperrors.ErrValidation, id, inst.UserType)
	}

	resp, err := m.client.LocationToken(ctx, inst.AccessToken, inst.CompanyID, locationID)
	if ghl.IsUnauthorized(err) {
		inst, err = m.Refresh(ctx, id)
		if err != nil {
			return nil, err
		}

		resp, err = m.client.LocationToken(ctx, inst.AccessToken, inst.CompanyID, locationID)
	}

	if err != nil {
		return nil, err
	}

	return m.adopt(resp, models.AuthClassLocation, locationID, inst.CompanyID)
}
