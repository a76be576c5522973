package client

import (
	"encoding/json"
	"time"
)

// Claims is the read-only view of a validated identity token.
type Claims struct {
	raw map[string]any
}

func newClaims(raw map[string]any) *Claims {
	if raw == nil {
		raw = map[string]any{}
	}
	return &Claims{raw: raw}
}

// ClaimsFromMap builds claims from an already trusted map, e.g. a sealed
// session cookie. The map is copied.
func ClaimsFromMap(m map[string]any) *Claims {
	raw := make(map[string]any, len(m))
	for k, v := range m {
		raw[k] = v
	}
	return newClaims(raw)
}

// Subject returns the sub claim.
func (c *Claims) Subject() string { return c.String("sub") }

// Issuer returns the iss claim.
func (c *Claims) Issuer() string { return c.String("iss") }

// Audience returns the aud claim as a list.
func (c *Claims) Audience() []string { return c.Values("aud") }

// Nonce returns the nonce claim.
func (c *Claims) Nonce() string { return c.String("nonce") }

// ExpiresAt returns the exp claim.
func (c *Claims) ExpiresAt() time.Time { return c.Time("exp") }

// IssuedAt returns the iat claim.
func (c *Claims) IssuedAt() time.Time { return c.Time("iat") }

// Get returns the raw value of a claim.
func (c *Claims) Get(name string) (any, bool) {
	v, ok := c.raw[name]
	return v, ok
}

// String returns a string claim or "".
func (c *Claims) String(name string) string {
	s, _ := c.raw[name].(string)
	return s
}

// Values returns a claim as a list of strings. Single strings become a
// one-element list.
func (c *Claims) Values(name string) []string {
	switch v := c.raw[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return append([]string(nil), v...)
	default:
		return nil
	}
}

// Time returns a NumericDate claim.
func (c *Claims) Time(name string) time.Time {
	switch v := c.raw[name].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

// Names lists the claim names present.
func (c *Claims) Names() []string {
	out := make([]string, 0, len(c.raw))
	for k := range c.raw {
		out = append(out, k)
	}
	return out
}

// Map returns a copy of the underlying claims.
func (c *Claims) Map() map[string]any {
	out := make(map[string]any, len(c.raw))
	for k, v := range c.raw {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the claims as a JSON object.
func (c *Claims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.raw)
}

// UnmarshalJSON decodes a JSON object into the claims.
func (c *Claims) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.raw = raw
	if c.raw == nil {
		c.raw = map[string]any{}
	}
	return nil
}
