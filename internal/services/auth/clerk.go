package auth

import (
	"context"
	"fmt"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/clerk/clerk-sdk-go/v2/organizationmembership"
)

type ClerkAuthProvider struct {
	secretKey string
}

func NewClerkAuthProvider(secretKey string) *ClerkAuthProvider {
	clerk.SetKey(secretKey)

	return &ClerkAuthProvider{
		secretKey: secretKey,
	}
}

func (p *ClerkAuthProvider) ValidateToken(ctx context.Context, token string) (*clerk.SessionClaims, error) {
	claims, err := jwt.Verify(ctx, &jwt.VerifyParams{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return claims, nil
}

func (p *ClerkAuthProvider) ValidateCompanyAccess(ctx context.Context, userID, companyID string) (bool, error) {
	listParams := &organizationmembership.ListParams{
		OrganizationID: companyID,
		UserIDs:        []string{userID},
	}

	memberships, err := organizationmembership.List(ctx, listParams)
	if err != nil {
		return false, fmt.Errorf("failed to check company membership: %w", err)
	}

	return len(memberships.OrganizationMemberships) > 0, nil
}

func (p *ClerkAuthProvider) GetUserCompanies(ctx context.Context, userID string) ([]string, error) {
	params := &organizationmembership.ListParams{
		UserIDs: []string{userID},
	}

	memberships, err := organizationmembership.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get user companies: %w", err)
	}

	companyIDs := make([]string, 0, len(memberships.OrganizationMemberships))
	for _, membership := range memberships.OrganizationMemberships {
		companyIDs = append(companyIDs, membership.Organization.ID)
	}

	return companyIDs, nil
}

func (p *ClerkAuthProvider) GetCompanyRole(ctx context.Context, userID, companyID string) (string, error) {
	listParams := &organizationmembership.ListParams{
		OrganizationID: companyID,
		UserIDs:        []string{userID},
	}

	memberships, err := organizationmembership.List(ctx, listParams)
	if err != nil {
		return "", fmt.Errorf("failed to get company membership: %w", err)
	}

	if len(memberships.OrganizationMemberships) == 0 {
		return "", fmt.Errorf("user is not a member of this company")
	}

	return memberships.OrganizationMemberships[0].Role, nil
}
