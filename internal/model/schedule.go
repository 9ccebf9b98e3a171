package model

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

var ErrSchedule = errors.New("invalid schedule")

// Job returns the gocron job definition of s and the time between two
// consecutive runs. Exactly one of Cron and Duration must be set.
func (s Schedule) Job() (gocron.JobDefinition, time.Duration, error) {
	expr := strings.TrimSpace(s.Cron)
	switch {
	case expr != "" && s.Duration != "":
		return nil, 0, fmt.Errorf("%w: schedule.cron and schedule.duration are both set", ErrSchedule)
	case expr != "":
		// 5 fields or a descriptor (@hourly, @every 5m), as gocron reads it
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: schedule.cron: %w", ErrSchedule, err)
		}
		next := sched.Next(time.Now())
		return gocron.CronJob(expr, false), sched.Next(next).Sub(next), nil
	case s.Duration != "":
		every, err := parseInterval(s.Duration)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: schedule.duration: %w", ErrSchedule, err)
		}
		return gocron.DurationJob(every), every, nil
	default:
		return nil, 0, fmt.Errorf("%w: neither schedule.cron nor schedule.duration is set", ErrSchedule)
	}
}

type unit struct {
	designator byte
	size       time.Duration
}

var (
	dateUnits  = []unit{{'D', 24 * time.Hour}}
	clockUnits = []unit{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}
)

// parseInterval reads an ISO8601 duration made of days, hours, minutes and
// seconds: P1D, PT15M, PT1H30M, PT0.5S. Years, months and weeks have no
// fixed length and are rejected, so is a zero interval.
func parseInterval(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%q is not an ISO8601 duration", s)
	}
	date, clock, hasClock := strings.Cut(rest, "T")
	if hasClock && clock == "" {
		return 0, fmt.Errorf("%q has no time after T", s)
	}
	days, err := sumUnits(date, dateUnits)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}
	hms, err := sumUnits(clock, clockUnits)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}
	if days+hms <= 0 {
		return 0, fmt.Errorf("%q is not a positive interval", s)
	}
	return days + hms, nil
}

// sumUnits adds up the <number><designator> pairs of s. Designators appear
// at most once and in the order of units.
func sumUnits(s string, units []unit) (time.Duration, error) {
	var total time.Duration
	next := 0
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, fmt.Errorf("expected a number and a designator, got %q", s)
		}
		num, designator := strings.Replace(s[:i], ",", ".", 1), s[i]
		s = s[i+1:]

		k := slices.IndexFunc(units[next:], func(u unit) bool { return u.designator == designator })
		if k < 0 {
			return 0, fmt.Errorf("unexpected designator %q", designator)
		}
		u := units[next+k]
		next += k + 1

		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", num, err)
		}
		total += time.Duration(v * float64(u.size))
	}
	return total, nil
}
