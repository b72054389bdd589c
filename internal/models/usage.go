package models

import "time"

// Window lengths for usage counters. The day window is a rolling 24 hours, not a calendar day.
const (
	MinuteWindow = time.Minute
	DayWindow    = 24 * time.Hour
)

// UsageCounters holds the persisted, time-windowed usage of one model.
type UsageCounters struct {
	ModelID            string    `json:"model_id"`
	RequestsThisMinute int       `json:"requests_this_minute"`
	TokensThisMinute   int       `json:"tokens_this_minute"`
	MinuteWindowStart  time.Time `json:"minute_window_start"`
	RequestsToday      int       `json:"requests_today"`
	DayWindowStart     time.Time `json:"day_window_start"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ResetExpired zeroes any window whose boundary now has crossed and restarts it at now.
// Windows are independent: crossing the minute boundary leaves the day counters untouched.
// Returns true when anything changed.
func (u *UsageCounters) ResetExpired(now time.Time) bool {
	changed := false

	if u.MinuteWindowStart.IsZero() || !now.Before(u.MinuteWindowStart.Add(MinuteWindow)) {
		u.RequestsThisMinute = 0
		u.TokensThisMinute = 0
		u.MinuteWindowStart = now
		changed = true
	}

	if u.DayWindowStart.IsZero() || !now.Before(u.DayWindowStart.Add(DayWindow)) {
		u.RequestsToday = 0
		u.DayWindowStart = now
		changed = true
	}

	return changed
}
