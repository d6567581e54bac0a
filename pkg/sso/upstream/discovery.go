// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/stacklok/ssogate/pkg/networking"
)

// discoveryDocument holds the subset of provider metadata checked before a
// client is accepted.
type discoveryDocument struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	UserinfoEndpoint       string   `json:"userinfo_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	ResponseTypesSupported []string `json:"response_types_supported"`
}

// validateDiscoveryDocument checks required metadata and endpoint schemes.
// Issuer equality is already enforced by go-oidc.
func validateDiscoveryDocument(doc *discoveryDocument, expectedIssuer string) error {
	switch {
	case doc.AuthorizationEndpoint == "":
		return errors.New("authorization_endpoint is required")
	case doc.TokenEndpoint == "":
		return errors.New("token_endpoint is required")
	case doc.JWKSURI == "":
		return errors.New("jwks_uri is required")
	}

	endpoints := []struct{ name, value string }{
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"userinfo_endpoint", doc.UserinfoEndpoint},
		{"jwks_uri", doc.JWKSURI},
	}
	for _, ep := range endpoints {
		if ep.value == "" {
			continue
		}
		if err := validateEndpointOrigin(ep.value, expectedIssuer); err != nil {
			return fmt.Errorf("%s origin mismatch: %w", ep.name, err)
		}
	}
	return nil
}

// validateEndpointOrigin enforces HTTPS on endpoints of non-loopback issuers.
// Hosts are not compared: large providers serve endpoints from other domains
// than their issuer.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != networking.HttpsScheme {
		return fmt.Errorf(
			"scheme mismatch: issuer uses HTTPS but endpoint uses %q "+
				"(all endpoints must use HTTPS for non-localhost issuers)",
			endpointURL.Scheme)
	}
	return nil
}
