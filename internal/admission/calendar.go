// Package admission gates namespace lifecycle operations on tenant
// authorization, concurrency quotas, and the business-hours calendar.
package admission

import (
	"fmt"
	"time"
)

// dateKeyFormat keys the holiday set by calendar date in the calendar's
// own timezone.
const dateKeyFormat = "2006-01-02"

// Calendar is the process-wide business-hours configuration: timezone,
// daily hour window, business-day mask, and holiday set. Read-only after
// construction.
type Calendar struct {
	location     *time.Location
	startHour    int
	endHour      int
	businessDays map[time.Weekday]bool
	holidays     map[string]bool
}

// NewCalendar builds a Calendar. The hour window is [startHour, endHour)
// in the given IANA timezone; businessDays lists the working weekdays;
// holidays are dates formatted "2006-01-02".
func NewCalendar(timezone string, startHour, endHour int, businessDays []time.Weekday, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("admission: invalid timezone %q: %w", timezone, err)
	}
	if startHour < 0 || startHour > 23 || endHour < 1 || endHour > 24 || startHour >= endHour {
		return nil, fmt.Errorf("admission: invalid business-hour window %d-%d", startHour, endHour)
	}

	dayMask := make(map[time.Weekday]bool, len(businessDays))
	for _, d := range businessDays {
		dayMask[d] = true
	}
	holidaySet := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		if _, err := time.ParseInLocation(dateKeyFormat, h, loc); err != nil {
			return nil, fmt.Errorf("admission: invalid holiday date %q: %w", h, err)
		}
		holidaySet[h] = true
	}

	return &Calendar{
		location:     loc,
		startHour:    startHour,
		endHour:      endHour,
		businessDays: dayMask,
		holidays:     holidaySet,
	}, nil
}

// DefaultCalendar returns a Monday-Friday 08:00-18:00 UTC calendar with no
// holidays.
func DefaultCalendar() *Calendar {
	cal, _ := NewCalendar("UTC", 8, 18,
		[]time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, nil)
	return cal
}

// IsBusinessTime reports whether t falls inside business hours. A date in
// the holiday set or outside the business-day mask is non-business
// regardless of hour.
func (c *Calendar) IsBusinessTime(t time.Time) bool {
	local := t.In(c.location)

	if c.holidays[local.Format(dateKeyFormat)] {
		return false
	}
	if !c.businessDays[local.Weekday()] {
		return false
	}
	hour := local.Hour()
	return hour >= c.startHour && hour < c.endHour
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location {
	return c.location
}
