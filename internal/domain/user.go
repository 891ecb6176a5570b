package domain

// UnknownDisplayName is shown for users the directory cannot resolve
const UnknownDisplayName = "Unknown"

// User is the directory view of an account
type User struct {
	UserID      string `json:"userId" db:"user_id"`
	DisplayName string `json:"displayName" db:"display_name"`
	Online      bool   `json:"online"`
}

// NameOrUnknown returns the display name, falling back for a nil or unnamed user.
func (u *User) NameOrUnknown() string {
	if u == nil || u.DisplayName == "" {
		return UnknownDisplayName
	}
	return u.DisplayName
}
