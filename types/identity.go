package types

// Role names understood by the HTTP surface.
const (
	RoleResearcher  = "researcher"
	RoleContributor = "contributor"
	RoleAdmin       = "admin"
	RolePayments    = "payments"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject      string   `json:"sub"`
	Organization string   `json:"org,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// HasRole reports whether the identity carries any of the given roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range i.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
