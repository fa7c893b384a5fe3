// Package auth provides the credentials the sync client attaches to its streams.
package auth

// User is the principal the local mutation queue is scoped to.
type User struct {
	UID string
}

// Unauthenticated is the user of clients without credentials.
var Unauthenticated = User{}

func (u User) IsAuthenticated() bool { return u.UID != "" }

func (u User) String() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}
