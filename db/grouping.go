package db

import (
	"math"
	"sort"
	"time"
)

const (
	GroupToday     = "today"
	GroupYesterday = "yesterday"
	GroupThisWeek  = "this week"
)

// GroupSessionsByDate buckets sessions by the calendar date of CreatedTime,
// newest first. Labels are "today", "yesterday", "this week" (under seven
// days), the month name for older dates of the current year and "YYYY-MM"
// before that. Sessions inside a group keep CreatedTime descending order.
func GroupSessionsByDate(sessions []ChatSession, now time.Time) []ChatSessionGroup {
	sorted := make([]ChatSession, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedTime.After(sorted[j].CreatedTime)
	})

	today := startOfDay(now)
	var groups []ChatSessionGroup
	for _, s := range sorted {
		key := dateLabel(s.CreatedTime.In(now.Location()), today)
		if n := len(groups); n > 0 && groups[n-1].Key == key {
			groups[n-1].Sessions = append(groups[n-1].Sessions, s)
			continue
		}
		groups = append(groups, ChatSessionGroup{Key: key, Sessions: []ChatSession{s}})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dateLabel(created time.Time, today time.Time) string {
	day := startOfDay(created)
	// rounding absorbs 23h/25h days around DST switches
	days := int(math.Round(today.Sub(day).Hours() / 24))
	switch {
	case days <= 0:
		return GroupToday
	case days == 1:
		return GroupYesterday
	case days < 7:
		return GroupThisWeek
	case day.Year() == today.Year():
		return day.Month().String()
	default:
		return day.Format("2006-01")
	}
}
