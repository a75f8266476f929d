// Package schedules stores cron-driven capacity schedules and triggers the
// operations they describe.
package schedules

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// ValidateCron checks a standard 5-field cron expression.
func ValidateCron(expression string) error {
	_, err := cron.ParseStandard(expression)
	return errors.Wrapf(err, "invalid cron expression %q", expression)
}

// IsTriggered reports whether the cron, interpreted in tzName, fires at the
// minute containing checkTime. The check is exact: the reference is the start
// of the current minute in the schedule's timezone, and the expression
// triggers iff its next fire time from just before the reference equals the
// reference. A "next within a minute" check would drift across DST edges.
func IsTriggered(expression, tzName string, checkTime time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expression)
	if err != nil {
		return false, errors.Wrapf(err, "invalid cron expression %q", expression)
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return false, errors.Wrapf(err, "invalid timezone %q", tzName)
	}

	localRef := checkTime.In(loc).Truncate(time.Minute)
	return sched.Next(localRef.Add(-time.Second)).Equal(localRef), nil
}

// NextTrigger returns the next fire time after fromTime, computed in the
// schedule's timezone and returned in UTC.
func NextTrigger(expression, tzName string, fromTime time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expression)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expression)
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timezone %q", tzName)
	}
	return sched.Next(fromTime.In(loc)).UTC(), nil
}
