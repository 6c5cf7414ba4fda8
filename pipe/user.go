package pipe

import (
	"os/user"
)

// UserProvider supplies the user id associated with the pipe peer. The pipe
// transport carries no bearer tokens; identity is implicit and local.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user id from the operating system's current
// user: Username when available, Uid otherwise.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}
