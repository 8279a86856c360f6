package session

import "fmt"

// User identifies one tracked OS account.
type User struct {
	UID  uint32 `json:"uid"`
	Name string `json:"name"`
	// Path is the logind object path of the user (e.g. /org/freedesktop/login1/user/_1000).
	Path string `json:"path"`
}

func (u User) String() string {
	return fmt.Sprintf("%s(%d)", u.Name, u.UID)
}

// Status is what the session manager reports about a user right now.
type Status struct {
	Active       bool
	ScreenLocked bool
}
