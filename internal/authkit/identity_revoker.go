package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v1"
	"google.golang.org/api/option"
)

// GoogleProviderID is the Identity Platform provider id of Google Sign-In identities.
const GoogleProviderID = "google.com"

const identityPlatformUserNotFound = "USER_NOT_FOUND"

var (
	errRevokerMissingProject = errors.New("identity.revoker.missing_project")
	errRevokerMissingSubject = errors.New("identity.revoker.missing_subject")
)

// IdentityPlatformRevoker deletes the Identity Platform user backing a subject.
// A subject matches either the user's local id or its federated Google id.
type IdentityPlatformRevoker struct {
	service   *identitytoolkit.Service
	projectID string
}

// NewIdentityPlatformRevoker builds a revoker for projectID. Credentials come from
// options or, when none are given, application default credentials.
func NewIdentityPlatformRevoker(ctx context.Context, projectID string, options ...option.ClientOption) (*IdentityPlatformRevoker, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errRevokerMissingProject
	}
	service, err := identitytoolkit.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("identity.revoker.new: %w", err)
	}
	return &IdentityPlatformRevoker{service: service, projectID: projectID}, nil
}

// RevokeIdentity deletes every Identity Platform user matching subjectID. A
// subject without a matching user is already revoked.
func (revoker *IdentityPlatformRevoker) RevokeIdentity(ctx context.Context, subjectID string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return errRevokerMissingSubject
	}
	lookup, err := revoker.service.Projects.Accounts_.Lookup(revoker.projectID, &identitytoolkit.GoogleCloudIdentitytoolkitV1GetAccountInfoRequest{
		TargetProjectId: revoker.projectID,
		LocalId:         []string{subjectID},
		FederatedUserId: []*identitytoolkit.GoogleCloudIdentitytoolkitV1FederatedUserIdentifier{
			{ProviderId: GoogleProviderID, RawId: subjectID},
		},
	}).Context(ctx).Do()
	if err != nil {
		if isIdentityUserNotFound(err) {
			return nil
		}
		return fmt.Errorf("identity.revoker.lookup: %w", err)
	}
	for _, user := range lookup.Users {
		if user == nil || user.LocalId == "" {
			continue
		}
		_, deleteErr := revoker.service.Projects.Accounts_.Delete(revoker.projectID, &identitytoolkit.GoogleCloudIdentitytoolkitV1DeleteAccountRequest{
			TargetProjectId: revoker.projectID,
			LocalId:         user.LocalId,
		}).Context(ctx).Do()
		if deleteErr != nil && !isIdentityUserNotFound(deleteErr) {
			return fmt.Errorf("identity.revoker.delete: %w", deleteErr)
		}
	}
	return nil
}

func isIdentityUserNotFound(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusNotFound {
		return true
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message+apiErr.Body, identityPlatformUserNotFound)
}
