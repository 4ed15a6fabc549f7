package models

import "time"

// Range qualifies a recurrence id (RFC 5545 RANGE parameter).
type Range int

const (
	// RangeNone addresses exactly one occurrence.
	RangeNone Range = iota
	// RangeThisAndFuture addresses the occurrence and every later one.
	RangeThisAndFuture
)

func (r Range) String() string {
	if r == RangeThisAndFuture {
		return "THISANDFUTURE"
	}
	return ""
}

// RecurrenceID identifies one occurrence of a recurring series by its
// original start.
type RecurrenceID struct {
	Value  time.Time
	AllDay bool
	Range  Range
}

// NewRecurrenceID returns an exact recurrence id for the given start.
func NewRecurrenceID(value time.Time) *RecurrenceID {
	return &RecurrenceID{Value: value}
}

// ThisAndFuture reports whether the id carries the THISANDFUTURE range.
func (r *RecurrenceID) ThisAndFuture() bool {
	return r != nil && r.Range == RangeThisAndFuture
}

// Matches reports whether r and other denote the same occurrence. The range
// marker and the time zone used to express the value are not significant.
func (r *RecurrenceID) Matches(other *RecurrenceID) bool {
	if r == nil || other == nil {
		return r == nil && other == nil
	}
	if r.AllDay || other.AllDay {
		ay, am, ad := r.Value.Date()
		by, bm, bd := other.Value.Date()
		return ay == by && am == bm && ad == bd
	}
	return r.Value.Equal(other.Value)
}

// Before reports whether the occurrence starts before t.
func (r *RecurrenceID) Before(t time.Time) bool {
	return r.Value.Before(t)
}

func (r *RecurrenceID) String() string {
	if r == nil {
		return ""
	}
	if r.AllDay {
		return r.Value.Format("20060102")
	}
	return r.Value.UTC().Format("20060102T150405Z")
}

func (r *RecurrenceID) clone() *RecurrenceID {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
