package caldav

import "errors"

var ErrNotConfigured = errors.New("caldav: credentials or calendar path not set")

// Calendar is one collection found under the user's calendar home.
type Calendar struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}
