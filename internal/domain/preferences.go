package domain

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// KnownChannels lists every channel a user may toggle, supported or not.
var KnownChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) Known() bool {
	for _, k := range KnownChannels {
		if c == k {
			return true
		}
	}
	return false
}

const (
	DefaultLeadTimeMinutes = 15
	defaultQuietStart      = "22:00"
	defaultQuietEnd        = "07:00"
)

// QuietHours is stored and exposed but not applied to fire times.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // HH:MM local
	End     string `json:"end"`
}

// NotificationPreferences is the effective, fully defaulted configuration.
type NotificationPreferences struct {
	LeadTimeMinutes int
	Channels        map[Channel]bool
	QuietHours      QuietHours
}

// Enabled reports whether the user turned the channel on.
func (p NotificationPreferences) Enabled(c Channel) bool {
	return p.Channels[c]
}

// LeadTime returns the lead time as a duration.
func (p NotificationPreferences) LeadTime() time.Duration {
	return time.Duration(p.LeadTimeMinutes) * time.Minute
}

// StoredPreferences is the persisted, possibly partial form.
type StoredPreferences struct {
	LeadTimeMinutes *int             `json:"lead_time_minutes,omitempty"`
	Channels        map[Channel]bool `json:"channels,omitempty"`
	QuietHours      *QuietHours      `json:"quiet_hours,omitempty"`
}

// DefaultPreferences returns the defaults applied for absent fields.
func DefaultPreferences() NotificationPreferences {
	return NotificationPreferences{
		LeadTimeMinutes: DefaultLeadTimeMinutes,
		Channels: map[Channel]bool{
			ChannelEmail: true,
			ChannelSMS:   false,
			ChannelPush:  false,
		},
		QuietHours: QuietHours{Enabled: false, Start: defaultQuietStart, End: defaultQuietEnd},
	}
}

// ResolvePreferences fills absent or invalid stored fields with defaults.
// Partial channel maps are merged over the default map.
func ResolvePreferences(stored StoredPreferences) NotificationPreferences {
	p := DefaultPreferences()
	if stored.LeadTimeMinutes != nil && *stored.LeadTimeMinutes >= 0 {
		p.LeadTimeMinutes = *stored.LeadTimeMinutes
	}
	for c, on := range stored.Channels {
		p.Channels[c] = on
	}
	if q := stored.QuietHours; q != nil {
		p.QuietHours.Enabled = q.Enabled
		if q.Start != "" {
			p.QuietHours.Start = q.Start
		}
		if q.End != "" {
			p.QuietHours.End = q.End
		}
	}
	return p
}

// PreferencesUpdate is a partial update; nil fields are left untouched.
type PreferencesUpdate struct {
	LeadTimeMinutes *int             `json:"lead_time_minutes,omitempty"`
	Channels        map[Channel]bool `json:"channels,omitempty"`
	QuietHours      *QuietHours      `json:"quiet_hours,omitempty"`
}

func (u PreferencesUpdate) Validate() error {
	if u.LeadTimeMinutes != nil && *u.LeadTimeMinutes < 0 {
		return fmt.Errorf("%w: lead_time_minutes must be >= 0", ErrInvalidPreferences)
	}
	for c := range u.Channels {
		if !c.Known() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidPreferences, c)
		}
	}
	if q := u.QuietHours; q != nil {
		for _, v := range []string{q.Start, q.End} {
			if v == "" {
				continue
			}
			if _, err := time.Parse("15:04", strings.TrimSpace(v)); err != nil {
				return fmt.Errorf("%w: quiet hours time %q", ErrInvalidPreferences, v)
			}
		}
	}
	return nil
}

// Apply returns stored with every present field of u replacing the stored one.
func (s StoredPreferences) Apply(u PreferencesUpdate) StoredPreferences {
	out := s
	if u.LeadTimeMinutes != nil {
		v := *u.LeadTimeMinutes
		out.LeadTimeMinutes = &v
	}
	if u.Channels != nil {
		out.Channels = make(map[Channel]bool, len(u.Channels))
		for c, on := range u.Channels {
			out.Channels[c] = on
		}
	}
	if u.QuietHours != nil {
		q := *u.QuietHours
		out.QuietHours = &q
	}
	return out
}
