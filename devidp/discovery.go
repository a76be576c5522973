package devidp

import (
	"sort"

	"imagegallery/registry"
)

// DiscoveryDocument is the provider metadata served at
// /.well-known/openid-configuration.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument lays the endpoints out the way IdentityServer does.
func BuildDiscoveryDocument(issuer string, scopes []registry.ScopeID) DiscoveryDocument {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	sort.Strings(names)
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/connect/authorize",
		"token_endpoint":                        issuer + "/connect/token",
		"userinfo_endpoint":                     issuer + "/connect/userinfo",
		"end_session_endpoint":                  issuer + "/connect/endsession",
		"jwks_uri":                              issuer + "/.well-known/openid-configuration/jwks",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      names,
		"claims_supported":                      []string{"sub", "name", "given_name", "family_name", "email", "address", "phone_number", "auth_time", "amr", "idp", "nonce"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"frontchannel_logout_supported":         false,
	}
}
