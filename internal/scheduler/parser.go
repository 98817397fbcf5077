package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	// "every 5m", "every 2 hours", "every 30s"
	intervalRegex = regexp.MustCompile(`^every\s+(\d+)\s*(s|sec|second|seconds|m|min|minute|minutes|h|hour|hours|d|day|days)$`)

	intervalUnits = map[string]time.Duration{
		"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
		"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
		"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
		"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	}
)

const maxInterval = 365 * 24 * time.Hour

// ParseSchedule parses a tick schedule. It accepts 5 or 6 field cron
// expressions, descriptors such as @hourly and @every 1m, and intervals
// such as "every 5m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression cannot be empty")
	}

	if strings.HasPrefix(strings.ToLower(expr), "every ") {
		d, err := parseInterval(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid interval expression %q: %w", expr, err)
		}
		return cron.Every(d), nil
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

func parseInterval(expr string) (time.Duration, error) {
	matches := intervalRegex.FindStringSubmatch(strings.ToLower(expr))
	if len(matches) != 3 {
		return 0, fmt.Errorf("expected 'every <number> <unit>' (e.g. 'every 5m')")
	}

	n, err := strconv.Atoi(matches[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("interval must be a positive integer")
	}

	d := time.Duration(n) * intervalUnits[matches[2]]
	switch {
	case d < time.Second:
		return 0, fmt.Errorf("interval must be at least 1 second")
	case d > maxInterval:
		return 0, fmt.Errorf("interval cannot exceed 1 year")
	}
	return d, nil
}

// NextRun returns the first activation of expr after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
