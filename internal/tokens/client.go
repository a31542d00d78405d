package tokens

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
)

//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=mock_ghl_test.go -package=tokens

// GHL is the part of the GHL API the manager calls. *ghl.Client
// satisfies it.
type GHL interface {
	ExchangeCode(ctx context.Context, code, redirectURI, userType string) (*ghl.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*ghl.TokenResponse, error)
	LocationToken(ctx context.Context, companyToken, companyID, locationID string) (*ghl.TokenResponse, error)
	GetLocation(ctx context.Context, token, locationID string) (json.RawMessage, error)
	GetCompany(ctx context.Context, token, companyID string) (json.RawMessage, error)
}

var _ GHL = (*ghl.Client)(nil)
