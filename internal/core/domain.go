package core

import (
	"errors"
	"strings"
	"time"
)

const (
	StatusApproved ApprovalStatus = "approved"
	StatusPending  ApprovalStatus = "pending"
	StatusRejected ApprovalStatus = "rejected"
)

const (
	WorkstreamActive    WorkstreamStatus = "active"
	WorkstreamCompleted WorkstreamStatus = "completed"
	WorkstreamPlanned   WorkstreamStatus = "planned"
)

type (
	ApprovalStatus   string
	WorkstreamStatus string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Quantity is a fixed-point amount of hours or days with three
	// fractional digits.
	Quantity struct {
		Milli int64
	}

	// RawTimesheetEntry is one parsed timesheet row. Immutable once stored;
	// a re-upload supersedes it in a new batch.
	RawTimesheetEntry struct {
		Date         Date
		UserID       string
		WorkstreamID string
		Hours        Quantity
		Notes        string
		Status       ApprovalStatus
	}

	// RawAllocation is one parsed allocation row.
	RawAllocation struct {
		ProfileID      string
		ProfileName    string
		WorkstreamID   string
		WorkstreamName string
		DaysAllocated  Quantity
		DailyRate      Money
		StartDate      Date // optional
		EndDate        Date // optional
	}

	CanonicalProfile struct {
		InternalID string
		SourceID   string
		Name       string
		DailyRate  Money
	}

	CanonicalWorkstream struct {
		InternalID  string
		SourceID    string
		Name        string
		Description string
		Status      WorkstreamStatus
	}

	// Allocation links canonical entities by internal id.
	Allocation struct {
		ProfileID    string
		WorkstreamID string
		Days         Quantity
	}

	TimesheetEntry struct {
		Date         Date
		ProfileID    string
		WorkstreamID string
		Hours        Quantity
		Notes        string
		Status       ApprovalStatus
	}

	// CanonicalBatch is the validated, de-duplicated result of one upload
	// cycle.
	CanonicalBatch struct {
		Profiles    []CanonicalProfile
		Workstreams []CanonicalWorkstream
		Allocations []Allocation
		Timesheets  []TimesheetEntry
	}

	// AnonymizedProfile mirrors CanonicalProfile with the name replaced by a
	// pseudonym token.
	AnonymizedProfile struct {
		ID          string
		Name        string
		DailyRate   Money
		Allocations []Allocation
	}

	AnonymizedWorkstream struct {
		ID          string
		Name        string
		Description string
		Status      WorkstreamStatus
	}

	BudgetAggregate struct {
		WorkstreamID string
		TotalBudget  Money
		Status       WorkstreamStatus
	}

	ProfileTotal struct {
		ProfileID string
		Total     Money
	}

	// Utilization is spent/budget. Defined is false when the budget is zero
	// and the ratio is not applicable.
	Utilization struct {
		Defined bool
		Ratio   float64
	}
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected:
		return true
	}
	return false
}

func (s WorkstreamStatus) Valid() bool {
	switch s {
	case WorkstreamActive, WorkstreamCompleted, WorkstreamPlanned:
		return true
	}
	return false
}

// ParseDate parses a strict YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("2006-01-02")
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

func (m Money) Validate() error {
	if m.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (q Quantity) Validate() error {
	if q.Milli < 0 {
		return ErrInvalidQuantity
	}
	return nil
}

func (e RawTimesheetEntry) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(e.WorkstreamID) == "" {
		return ErrEmptyWorkstreamID
	}
	if err := e.Hours.Validate(); err != nil {
		return err
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

func (a RawAllocation) Validate() error {
	if strings.TrimSpace(a.ProfileID) == "" {
		return ErrEmptyProfileID
	}
	if strings.TrimSpace(a.ProfileName) == "" {
		return ErrEmptyProfileName
	}
	if strings.TrimSpace(a.WorkstreamID) == "" {
		return ErrEmptyWorkstreamID
	}
	if strings.TrimSpace(a.WorkstreamName) == "" {
		return ErrEmptyWorkstreamName
	}
	if err := a.DaysAllocated.Validate(); err != nil {
		return err
	}
	if err := a.DailyRate.Validate(); err != nil {
		return err
	}
	// Dates are optional but must be ordered when both are present.
	if !a.StartDate.IsZero() && !a.EndDate.IsZero() && a.EndDate.Before(a.StartDate.Time) {
		return errors.New("end date before start date")
	}
	return nil
}
