package services

import "strings"

// Session is the explicit identity passed to every service call. Services never read identity from
// ambient state.
type Session struct {
	AccountID string
	Email     string
}

func (s Session) accountID() (string, error) {
	id := strings.TrimSpace(s.AccountID)
	if id == "" {
		return "", &ValidationError{Fields: []string{"session"}, Reason: "an authenticated session is required"}
	}
	return id, nil
}
