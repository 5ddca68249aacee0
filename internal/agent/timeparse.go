package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Conversational dates resolve in UTC+8 regardless of server locale.
var cst = time.FixedZone("Asia/Shanghai", 8*60*60)

// TimeRange is a half-open [FromMs, ToMs) window in epoch milliseconds.
type TimeRange struct {
	Label  string
	FromMs int64
	ToMs   int64
}

var (
	weekdayNames = map[string]time.Weekday{
		"一": time.Monday, "二": time.Tuesday, "三": time.Wednesday,
		"四": time.Thursday, "五": time.Friday, "六": time.Saturday,
		"日": time.Sunday, "天": time.Sunday,
	}
	nextWeekdayRe = regexp.MustCompile(`下周([一二三四五六日天])`)
	monthDayRe    = regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]`)
	isoDateRe     = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
)

func startOfDay(t time.Time) time.Time {
	t = t.In(cst)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cst)
}

// startOfWeek returns Monday 00:00 of t's week.
func startOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func dayRange(label string, day time.Time) TimeRange {
	from := startOfDay(day)
	return TimeRange{Label: label, FromMs: from.UnixMilli(), ToMs: from.AddDate(0, 0, 1).UnixMilli()}
}

// ParseTimeRange resolves a relative date expression inside text to an
// epoch-ms window. Returns false when the text has no recognized expression.
func ParseTimeRange(text string, now time.Time) (TimeRange, bool) {
	now = now.In(cst)

	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, cst)
		return dayRange(m[0], d), true
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		d := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, cst)
		// A date earlier in the year than today means next year.
		if d.Before(startOfDay(now)) {
			d = d.AddDate(1, 0, 0)
		}
		return dayRange(m[0], d), true
	}
	if m := nextWeekdayRe.FindStringSubmatch(text); m != nil {
		target := weekdayNames[m[1]]
		monday := startOfWeek(now).AddDate(0, 0, 7)
		offset := (int(target) + 6) % 7
		return dayRange(m[0], monday.AddDate(0, 0, offset)), true
	}

	switch {
	case strings.Contains(text, "今天"):
		return dayRange("今天", now), true
	case strings.Contains(text, "明天"):
		return dayRange("明天", now.AddDate(0, 0, 1)), true
	case strings.Contains(text, "后天"):
		return dayRange("后天", now.AddDate(0, 0, 2)), true
	case strings.Contains(text, "本周"), strings.Contains(text, "这周"):
		from := startOfWeek(now)
		return TimeRange{Label: "本周", FromMs: from.UnixMilli(), ToMs: from.AddDate(0, 0, 7).UnixMilli()}, true
	case strings.Contains(text, "下周"):
		from := startOfWeek(now).AddDate(0, 0, 7)
		return TimeRange{Label: "下周", FromMs: from.UnixMilli(), ToMs: from.AddDate(0, 0, 7).UnixMilli()}, true
	case strings.Contains(text, "本月"), strings.Contains(text, "这个月"):
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, cst)
		return TimeRange{Label: "本月", FromMs: from.UnixMilli(), ToMs: from.AddDate(0, 1, 0).UnixMilli()}, true
	}
	return TimeRange{}, false
}

var clockRe = regexp.MustCompile(`(\d{1,2})\s*[点:：]\s*(半|\d{1,2})?\s*分?`)

// ParseReminderTime resolves "明天下午3点" style expressions to a concrete
// time. When the text carries no clock, defaultClock (HH:MM) fills in and
// usedDefault reports that so the reply can say so.
func ParseReminderTime(text string, now time.Time, defaultClock string) (at time.Time, usedDefault bool, err error) {
	now = now.In(cst)

	day := startOfDay(now)
	switch {
	case strings.Contains(text, "明天"):
		day = day.AddDate(0, 0, 1)
	case strings.Contains(text, "后天"):
		day = day.AddDate(0, 0, 2)
	default:
		if m := nextWeekdayRe.FindStringSubmatch(text); m != nil {
			monday := startOfWeek(now).AddDate(0, 0, 7)
			day = monday.AddDate(0, 0, (int(weekdayNames[m[1]])+6)%7)
		} else if r, ok := ParseTimeRange(text, now); ok {
			day = time.UnixMilli(r.FromMs).In(cst)
		}
	}

	hour, minute := -1, 0
	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		switch m[2] {
		case "半":
			minute = 30
		case "":
		default:
			minute, _ = strconv.Atoi(m[2])
		}
		if (strings.Contains(text, "下午") || strings.Contains(text, "晚上")) && hour < 12 {
			hour += 12
		}
	}
	if hour < 0 {
		parts := strings.SplitN(defaultClock, ":", 2)
		if len(parts) != 2 {
			return time.Time{}, false, fmt.Errorf("bad default clock %q", defaultClock)
		}
		hour, _ = strconv.Atoi(parts[0])
		minute, _ = strconv.Atoi(parts[1])
		usedDefault = true
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false, fmt.Errorf("unparseable clock in %q", text)
	}
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute), usedDefault, nil
}
