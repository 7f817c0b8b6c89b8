package domain

// User is a profile owned by the identity collaborator. It is read-only here.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// IsZero reports whether u carries no identity.
func (u User) IsZero() bool {
	return u.ID == ""
}
