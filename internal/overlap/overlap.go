// Package overlap answers interval intersection questions for session booking.
// It is pure: no I/O, no clock reads, no mutation of its inputs.
package overlap

import (
	"time"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

// Policy configures the conflict rule.
type Policy struct {
	// AllowSharedCourseStart exempts two sessions of the same course sharing an
	// identical start time from the conflict rule. Inherited from the legacy
	// scheduler to permit co-taught split sessions.
	AllowSharedCourseStart bool
}

// Overlaps reports whether the half-open intervals [aStart, aStart+aDur) and
// [bStart, bStart+bDur) intersect. Zero-length intervals never overlap.
func Overlaps(aStart time.Time, aDur time.Duration, bStart time.Time, bDur time.Duration) bool {
	if aDur <= 0 || bDur <= 0 {
		return false
	}
	aEnd := aStart.Add(aDur)
	bEnd := bStart.Add(bDur)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Proposal describes a booking under conflict evaluation.
type Proposal struct {
	InstructorID     string
	CourseID         string
	Start            time.Time
	DurationMinutes  int
	ExcludeSessionID string
}

// FindConflicts filters candidates down to active sessions of the proposal's
// instructor whose interval overlaps the proposed one. The session named by
// ExcludeSessionID is skipped so edits do not conflict with themselves.
func FindConflicts(candidates []models.Session, p Proposal, policy Policy) []models.Session {
	dur := time.Duration(p.DurationMinutes) * time.Minute

	var conflicts []models.Session
	for _, candidate := range candidates {
		if candidate.ID == p.ExcludeSessionID {
			continue
		}
		if candidate.InstructorID != p.InstructorID {
			continue
		}
		if !candidate.State.Active() {
			continue
		}
		if !Overlaps(p.Start, dur, candidate.ScheduledStart, time.Duration(candidate.DurationMinutes)*time.Minute) {
			continue
		}
		if policy.AllowSharedCourseStart &&
			candidate.CourseID == p.CourseID &&
			candidate.ScheduledStart.Equal(p.Start) {
			continue
		}
		conflicts = append(conflicts, candidate)
	}
	return conflicts
}
