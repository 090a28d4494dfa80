// Package timeparse turns heterogeneous human-written date/time strings into
// a concrete local timestamp. Resolve is total: every input, including
// garbage, yields a valid instant through a fixed precedence ladder.
package timeparse

import (
	"strconv"
	"strings"
	"time"
)

// Rule names which ladder step produced a component of the result.
type Rule string

const (
	RuleAbsent     Rule = "absent"          // no text, default applied
	RuleSlash      Rule = "mm_dd_yyyy"      // contains '/'
	RuleISO        Rule = "iso_date"        // contains '-'
	RuleMonthName  Rule = "weekday_month"   // "Friday, October 10"
	RuleISOAttempt Rule = "iso_attempt"     // last-chance ISO parse
	RuleTodayFall  Rule = "fallback_today"  // unrecognized, today's date
	Rule12Hour     Rule = "clock_12h"       // "6:15pm"
	Rule24Hour     Rule = "clock_24h"       // "18:15"
	RuleBareHour   Rule = "bare_hour"       // "6" -> 18:00
	RuleExcept     Rule = "parse_exception" // whole resolve fell back
)

// Result is the tagged outcome of one resolve. Fallback distinguishes a
// genuine default from a parse failure so callers can log the difference
// without changing routing behavior.
type Result struct {
	At       time.Time
	DateRule Rule
	TimeRule Rule
	Fallback bool
	Reason   string
}

var monthTable = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// Resolve maps (dateText, timeText) to a concrete instant in now's location.
// referenceYear supplies the year for month-name dates ("Friday, October 10");
// callers decide the current-year vs next-occurrence policy, it is never
// hard-coded here. defaultHour applies when timeText is absent.
//
// Any parse failure inside a matched ladder rule converts to the
// deterministic fallback: tomorrow at defaultHour. Resolve never fails.
func Resolve(dateText, timeText string, referenceYear, defaultHour int, now time.Time) Result {
	day, dateRule, err := resolveDate(dateText, referenceYear, now)
	if err != nil {
		return fallback(now, defaultHour, "date: "+err.Error())
	}

	hour, minute, timeRule, err := resolveClock(timeText, defaultHour)
	if err != nil {
		return fallback(now, defaultHour, "time: "+err.Error())
	}

	return Result{
		At:       time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location()),
		DateRule: dateRule,
		TimeRule: timeRule,
	}
}

// fallback is the deterministic total-function escape hatch: tomorrow at the
// default hour.
func fallback(now time.Time, defaultHour int, reason string) Result {
	t := now.AddDate(0, 0, 1)
	return Result{
		At:       time.Date(t.Year(), t.Month(), t.Day(), defaultHour, 0, 0, 0, now.Location()),
		DateRule: RuleExcept,
		TimeRule: RuleExcept,
		Fallback: true,
		Reason:   reason,
	}
}

// resolveDate applies the date ladder; first matching rule wins.
func resolveDate(dateText string, referenceYear int, now time.Time) (time.Time, Rule, error) {
	s := strings.TrimSpace(dateText)

	// 1. Absent -> today
	if s == "" {
		return now, RuleAbsent, nil
	}

	// 2. Contains '/' -> MM/DD/YYYY
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		if len(parts) != 3 {
			return time.Time{}, RuleSlash, errMalformed(s)
		}
		month, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		day, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		year, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err1 != nil || err2 != nil || err3 != nil || !validDate(year, month, day) {
			return time.Time{}, RuleSlash, errMalformed(s)
		}
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location()), RuleSlash, nil
	}

	// 3. Contains '-' -> ISO 8601
	if strings.Contains(s, "-") {
		d, err := time.ParseInLocation("2006-01-02", s, now.Location())
		if err != nil {
			return time.Time{}, RuleISO, errMalformed(s)
		}
		return d, RuleISO, nil
	}

	// 4. Comma + month name -> "Weekday, Month Day", year from caller
	if strings.Contains(s, ",") {
		if d, ok := parseMonthDay(s, referenceYear, now.Location()); ok {
			return d, RuleMonthName, nil
		}
		if hasMonthName(s) {
			// 规则命中但内容坏掉，按解析异常处理
			return time.Time{}, RuleMonthName, errMalformed(s)
		}
	}

	// 5. Last attempt: ISO parse, else today
	if d, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return d, RuleISOAttempt, nil
	}
	return now, RuleTodayFall, nil
}

func hasMonthName(s string) bool {
	low := strings.ToLower(s)
	for name := range monthTable {
		if strings.Contains(low, name) {
			return true
		}
	}
	return false
}

// parseMonthDay handles "Friday, October 10" style dates.
func parseMonthDay(s string, year int, loc *time.Location) (time.Time, bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	fields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(fields) < 2 {
		return time.Time{}, false
	}
	month, ok := monthTable[strings.ToLower(fields[0])]
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(strings.TrimRight(fields[1], ".,"))
	if err != nil || !validDate(year, int(month), day) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

// resolveClock applies the time ladder.
func resolveClock(timeText string, defaultHour int) (hour, minute int, rule Rule, err error) {
	s := strings.TrimSpace(timeText)

	// 1. Absent -> default hour
	if s == "" {
		return defaultHour, 0, RuleAbsent, nil
	}

	low := strings.ToLower(s)
	isPM := strings.Contains(low, "pm")
	isAM := strings.Contains(low, "am")

	if strings.Contains(s, ":") {
		clock := strings.TrimSpace(strings.NewReplacer("am", "", "pm", "", "AM", "", "PM", "").Replace(s))
		hm := strings.SplitN(clock, ":", 2)
		h, err1 := strconv.Atoi(strings.TrimSpace(hm[0]))
		m, err2 := strconv.Atoi(strings.TrimSpace(hm[1]))
		if err1 != nil || err2 != nil {
			return 0, 0, "", errMalformed(s)
		}

		// 2. 12-hour clock with am/pm marker
		if isPM || isAM {
			if isPM && h != 12 {
				h += 12
			}
			if isAM && h == 12 {
				h = 0
			}
			if !validClock(h, m) {
				return 0, 0, "", errMalformed(s)
			}
			return h, m, Rule12Hour, nil
		}

		// 3. 24-hour clock
		if !validClock(h, m) {
			return 0, 0, "", errMalformed(s)
		}
		return h, m, Rule24Hour, nil
	}

	// 4. Bare hour: bias toward evening classes
	h, convErr := strconv.Atoi(low)
	if convErr != nil {
		return 0, 0, "", errMalformed(s)
	}
	if h < 12 {
		h += 12
	}
	if !validClock(h, 0) {
		return 0, 0, "", errMalformed(s)
	}
	return h, 0, RuleBareHour, nil
}

func validDate(year, month, day int) bool {
	if year < 1 || month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	// reject e.g. February 30 instead of letting time.Date normalize it
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return d.Day() == day && int(d.Month()) == month
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

type parseError struct{ input string }

func (e parseError) Error() string { return "unparseable value " + strconv.Quote(e.input) }

func errMalformed(s string) error { return parseError{input: s} }
