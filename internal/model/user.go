package model

// User is the identity the gateway vouches for. Roles are opaque to the
// storefront and only forwarded to pages.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

type SignInResponse struct {
	Session     any    `json:"session"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}
