package entity

import "time"

// DefaultReminderHour is the hour of day (24h clock) for weekly checkpoint
// reminders when no configuration is supplied.
const DefaultReminderHour = 14

// NextCheckpointReminder returns the next Thursday reminder instant at the
// given hour. A Thursday before the hour resolves to the same day; a
// Thursday at or past it rolls over to the following week.
func NextCheckpointReminder(now time.Time, hour int) time.Time {
	if hour < 0 || hour > 23 {
		hour = DefaultReminderHour
	}
	days := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location()).AddDate(0, 0, days)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
