package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var relativeTimePattern = regexp.MustCompile(`^NOW(?:([+-])(\d+)([smhdw]))?$`)

// IsTimeExpression reports whether s is meant as a relative time literal
// (NOW, NOW-30d, NOW+2h). The NOW prefix is case sensitive.
func IsTimeExpression(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "NOW")
}

// ResolveTimeExpression resolves a relative time literal against now.
// Supported units: s, m, h, d (24h), w (7d).
func ResolveTimeExpression(expr string, now time.Time) (time.Time, error) {
	m := relativeTimePattern.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid time expression %q (expected NOW, NOW-30d, NOW+2h)", expr)
	}
	if m[1] == "" {
		return now, nil
	}

	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time expression %q: %w", expr, err)
	}

	var unit time.Duration
	switch m[3] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}

	if int64(n) > math.MaxInt64/int64(unit) {
		return time.Time{}, fmt.Errorf("time expression %q is out of range", expr)
	}
	offset := time.Duration(n) * unit
	if m[1] == "-" {
		offset = -offset
	}
	return now.Add(offset), nil
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// @daily or @every 5m
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
