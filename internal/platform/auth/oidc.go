package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ProviderMetadata is the subset of the OpenID Connect discovery document
// the gateway checks at readiness time.
type ProviderMetadata struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches {issuer}/.well-known/openid-configuration and checks that
// the realm advertises the issuer and key endpoint the validator relies on.
func Discover(ctx context.Context, client *http.Client, issuer string) (*ProviderMetadata, error) {
	issuer = strings.TrimRight(issuer, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var md ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if md.Issuer != issuer {
		return nil, fmt.Errorf("OIDC discovery issuer %q does not match %q", md.Issuer, issuer)
	}
	if md.JWKSURI != JWKSURL(issuer) {
		return nil, fmt.Errorf("OIDC discovery jwks_uri %q does not match %q", md.JWKSURI, JWKSURL(issuer))
	}
	return &md, nil
}

// SupportsAlgorithm reports whether the provider advertises alg.
func (m *ProviderMetadata) SupportsAlgorithm(alg string) bool {
	for _, a := range m.IDTokenSigningAlgValues {
		if a == alg {
			return true
		}
	}
	return false
}

// DiscoveryHandler reports identity provider reachability for /health/idp.
func DiscoveryHandler(client *http.Client, issuer string) echo.HandlerFunc {
	return func(c echo.Context) error {
		md, err := Discover(c.Request().Context(), client, issuer)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":   "ok",
			"issuer":   md.Issuer,
			"jwks_uri": md.JWKSURI,
		})
	}
}
