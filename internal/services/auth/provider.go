package auth

import (
	"context"

	"github.com/clerk/clerk-sdk-go/v2"
)

// AuthProvider answers who a token belongs to and which companies that user
// may act for. Companies map one-to-one onto Clerk organizations.
type AuthProvider interface {
	ValidateToken(ctx context.Context, token string) (*clerk.SessionClaims, error)

	ValidateCompanyAccess(ctx context.Context, userID, companyID string) (bool, error)

	GetUserCompanies(ctx context.Context, userID string) ([]string, error)
}
