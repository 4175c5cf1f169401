package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// IdentityClient implements workflow.Directory against the platform identity
// service over HTTP. Role and user lookups happen only at chain-build time;
// the resulting approver sets are snapshotted on step instances, so a slow or
// flapping identity service cannot disturb in-flight approvals.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityClient creates an IdentityClient for the given base URL.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// UsersWithRole returns active user ids holding the given role for a tenant.
func (c *IdentityClient) UsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/roles/users?tenant_id=%s&role=%s",
		c.baseURL, url.QueryEscape(tenantID), url.QueryEscape(role))

	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

// UserActive reports whether a user exists and is active.
func (c *IdentityClient) UserActive(ctx context.Context, tenantID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/status?tenant_id=%s&user_id=%s",
		c.baseURL, url.QueryEscape(tenantID), url.QueryEscape(userID))

	var resp struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		if apperr.HasCode(err, apperr.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.IsActive, nil
}

func (c *IdentityClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to build identity request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "identity service call failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.ErrCodeNotFound, "identity resource not found")
	case resp.StatusCode != http.StatusOK:
		return apperr.Newf(apperr.ErrCodeInternal, "identity service returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to decode identity response")
	}
	return nil
}
