package devidp

import (
	"imagegallery/registry"
)

// User is a test account the development provider signs in.
type User struct {
	Subject  string `yaml:"subject"`
	Username string `yaml:"username"`
	// Claims are profile claims such as given_name, family_name, email,
	// phone_number or address.
	Claims map[string]string `yaml:"claims"`
}

// DefaultUsers are the accounts used when none are configured.
func DefaultUsers() []User {
	return []User{
		{
			Subject:  "d860efca-22d9-47fd-8249-791ba61b07c7",
			Username: "David",
			Claims: map[string]string{
				"given_name":  "David",
				"family_name": "Flagg",
			},
		},
		{
			Subject:  "b7539694-97e7-4dfe-84da-b4256e1ff5c7",
			Username: "Emma",
			Claims: map[string]string{
				"given_name":  "Emma",
				"family_name": "Flagg",
			},
		},
	}
}

var scopeClaims = map[registry.ScopeID][]string{
	registry.ScopeProfile: {"name", "given_name", "family_name", "middle_name", "nickname", "preferred_username", "picture", "website", "gender", "birthdate", "locale", "updated_at"},
	registry.ScopeEmail:   {"email", "email_verified"},
	registry.ScopePhone:   {"phone_number", "phone_number_verified"},
	registry.ScopeAddress: {"address"},
}

// claimsFor returns the user claims released for the granted scopes.
func (u User) claimsFor(scopes []registry.ScopeID) map[string]any {
	out := map[string]any{}
	for _, scope := range scopes {
		for _, name := range scopeClaims[scope] {
			if v, ok := u.Claims[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}

type userDirectory struct {
	bySubject  map[string]User
	byUsername map[string]User
	fallback   User
}

func newUserDirectory(users []User) userDirectory {
	if len(users) == 0 {
		users = DefaultUsers()
	}
	d := userDirectory{
		bySubject:  make(map[string]User, len(users)),
		byUsername: make(map[string]User, len(users)),
		fallback:   users[0],
	}
	for _, u := range users {
		d.bySubject[u.Subject] = u
		d.byUsername[u.Username] = u
	}
	return d
}

// pick resolves a login_hint to a user, falling back to the first account.
func (d userDirectory) pick(hint string) User {
	if u, ok := d.byUsername[hint]; ok {
		return u
	}
	if u, ok := d.bySubject[hint]; ok {
		return u
	}
	return d.fallback
}

func (d userDirectory) lookup(subject string) (User, bool) {
	u, ok := d.bySubject[subject]
	return u, ok
}
