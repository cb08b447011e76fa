// Package schedule converts user wall-clock input to stored instants
// under one fixed, application-configured UTC offset. The host zone is
// never consulted: the browser, the server process and the deployment
// environment all disagree about "local time", and none of them may
// influence what gets stored.
package schedule

import (
	"fmt"
	"regexp"
	"time"

	"github.com/driftmail/email-scheduler/internal/core"
)

// Layout of the datetime-local form value: no zone indicator by design.
const wallClockLayout = "2006-01-02T15:04"

var offsetRE = regexp.MustCompile(`^([+-])(\d{2}):(\d{2})$`)

type Resolver struct {
	loc *time.Location
	now func() time.Time
}

// NewResolver parses an offset of the form "+03:00" or "-05:30" and
// returns a resolver pinned to it.
func NewResolver(offset string) (*Resolver, error) {
	m := offsetRE.FindStringSubmatch(offset)
	if m == nil {
		return nil, core.Misconfigured(fmt.Sprintf("invalid schedule offset %q, want e.g. +03:00", offset))
	}
	hours := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	mins := int(m[3][0]-'0')*10 + int(m[3][1]-'0')
	if hours > 14 || mins > 59 {
		return nil, core.Misconfigured(fmt.Sprintf("schedule offset %q out of range", offset))
	}
	secs := hours*3600 + mins*60
	if m[1] == "-" {
		secs = -secs
	}
	return &Resolver{
		loc: time.FixedZone("UTC"+offset, secs),
		now: time.Now,
	}, nil
}

// Resolve turns a "YYYY-MM-DDTHH:mm" wall-clock string into a UTC
// instant at the fixed offset. Empty input means "send immediately".
func (r *Resolver) Resolve(wallClock string) (time.Time, error) {
	if wallClock == "" {
		return r.now().UTC(), nil
	}
	t, err := time.ParseInLocation(wallClockLayout, wallClock, r.loc)
	if err != nil {
		return time.Time{}, core.Invalid("invalid scheduled_for %q, want YYYY-MM-DDTHH:mm", wallClock)
	}
	return t.UTC(), nil
}

// Display is the exact inverse of Resolve: re-decompose the stored
// instant at the same fixed offset, never the viewer's zone.
func (r *Resolver) Display(instant time.Time) string {
	return instant.In(r.loc).Format(wallClockLayout)
}
