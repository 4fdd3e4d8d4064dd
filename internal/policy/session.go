package policy

import (
	"strconv"
	"strings"
	"time"
)

// Session identifies which configured window a check-in falls into.
type Session string

const (
	SessionMorning Session = "morning"
	SessionEvening Session = "evening"
	SessionNone    Session = ""
)

// Violation describes why a check-in attempt was rejected.
type Violation string

const (
	ViolationNone          Violation = ""
	ViolationOutsideWindow Violation = "outside_window"
	ViolationCrossSession  Violation = "cross_session"
)

// Windows holds the configured morning and evening check-in windows as HH:MM strings.
type Windows struct {
	MorningStart string
	MorningEnd   string
	EveningStart string
	EveningEnd   string
}

// DefaultWindows returns the standard gym hours used when settings are unset.
func DefaultWindows() Windows {
	return Windows{
		MorningStart: "05:00",
		MorningEnd:   "11:00",
		EveningStart: "16:00",
		EveningEnd:   "22:00",
	}
}

// SessionDecision is the outcome of evaluating a check-in attempt against the windows.
type SessionDecision struct {
	Allowed   bool
	Session   Session
	Violation Violation
}

// EvaluateSession decides whether a check-in at now is permitted. todaysCheckIns are the
// member's earlier check-in times for the same calendar day. Admins bypass both the
// window and the cross-session checks. Boundaries are inclusive.
func EvaluateSession(now time.Time, w Windows, todaysCheckIns []time.Time, isAdmin, crossSessionRestricted bool) SessionDecision {
	if isAdmin {
		return SessionDecision{Allowed: true, Session: sessionAt(now, w)}
	}

	current := sessionAt(now, w)
	if current == SessionNone {
		return SessionDecision{Allowed: false, Violation: ViolationOutsideWindow}
	}

	if crossSessionRestricted {
		for _, t := range todaysCheckIns {
			prior := sessionAt(t, w)
			if prior != SessionNone && prior != current {
				return SessionDecision{Allowed: false, Session: current, Violation: ViolationCrossSession}
			}
		}
	}

	return SessionDecision{Allowed: true, Session: current}
}

func sessionAt(t time.Time, w Windows) Session {
	m := t.Hour()*60 + t.Minute()
	if within(m, w.MorningStart, w.MorningEnd) {
		return SessionMorning
	}
	if within(m, w.EveningStart, w.EveningEnd) {
		return SessionEvening
	}
	return SessionNone
}

func within(minute int, start, end string) bool {
	s, okS := parseHHMM(start)
	e, okE := parseHHMM(end)
	if !okS || !okE {
		return false
	}
	return minute >= s && minute <= e
}

func parseHHMM(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
