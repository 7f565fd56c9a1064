package hours

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voice-router/internal/directory"
)

// Result is the verdict for one schedule evaluation.
type Result struct {
	Open bool
	// Action is the schedule's open or closed action, matching the verdict.
	Action directory.RouteTarget
	// Window names what decided the verdict, for logs.
	Window string
}

// Evaluator decides open/closed for a schedule at the current instant.
// The schedule loads through the store (normally cache-first); evaluation
// itself is the pure EvaluateAt.
type Evaluator struct {
	Directory directory.Store
	Now       func() time.Time
}

func New(store directory.Store) *Evaluator {
	return &Evaluator{Directory: store, Now: time.Now}
}

func (e *Evaluator) Evaluate(ctx context.Context, orgID, scheduleID string) (Result, error) {
	sched, err := e.Directory.ScheduleByID(ctx, orgID, scheduleID)
	if err != nil {
		return Result{}, err
	}
	return EvaluateAt(sched, e.now())
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EvaluateAt applies the schedule's rules to one instant.
//
// Precedence: an exception for today's calendar date beats the weekly rule;
// a missing rule for today means closed. Windows are half-open, so a call
// arriving exactly at close_time is closed. All comparisons happen on the
// wall clock of the schedule's timezone.
func EvaluateAt(sched directory.BusinessHoursSchedule, at time.Time) (Result, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return Result{}, fmt.Errorf("hours: schedule %s timezone %q: %w", sched.ID, sched.Timezone, err)
	}
	local := at.In(loc)
	date := local.Format("2006-01-02")
	minutes := local.Hour()*60 + local.Minute()

	for _, ex := range sched.Exceptions {
		if ex.Date != date {
			continue
		}
		if !ex.Open {
			return verdict(sched, false, "exception "+ex.Date+" closed"), nil
		}
		open, window, err := windowContains(ex.OpenTime, ex.CloseTime, minutes)
		if err != nil {
			return Result{}, fmt.Errorf("hours: schedule %s exception %s: %w", sched.ID, ex.Date, err)
		}
		return verdict(sched, open, "exception "+ex.Date+" "+window), nil
	}

	for _, r := range sched.Rules {
		if r.Weekday != local.Weekday() {
			continue
		}
		if !r.Open {
			return verdict(sched, false, r.Weekday.String()+" closed"), nil
		}
		open, window, err := windowContains(r.OpenTime, r.CloseTime, minutes)
		if err != nil {
			return Result{}, fmt.Errorf("hours: schedule %s %s: %w", sched.ID, r.Weekday, err)
		}
		return verdict(sched, open, r.Weekday.String()+" "+window), nil
	}

	return verdict(sched, false, "no rule for "+local.Weekday().String()), nil
}

func verdict(sched directory.BusinessHoursSchedule, open bool, window string) Result {
	action := sched.ClosedAction
	if open {
		action = sched.OpenAction
	}
	return Result{Open: open, Action: action, Window: window}
}

// windowContains reports whether the minute of day falls in [open, close).
// A window whose close is at or before its open spans midnight; an equal
// pair would be zero-length and is treated as never open.
func windowContains(openStr, closeStr string, minutes int) (bool, string, error) {
	o, err := parseClock(openStr)
	if err != nil {
		return false, "", err
	}
	c, err := parseClock(closeStr)
	if err != nil {
		return false, "", err
	}
	window := openStr + "-" + closeStr
	switch {
	case o == c:
		return false, window, nil
	case c > o:
		return minutes >= o && minutes < c, window, nil
	default:
		return minutes >= o || minutes < c, window, nil
	}
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("clock %q must be HH:MM", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("clock %q must be HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}
