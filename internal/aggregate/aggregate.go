// Package aggregate computes budget and utilization figures from
// anonymized projections. All money math is integer cents; each
// days-times-rate product is rounded exactly once, so totals reconcile no
// matter which axis they are summed along.
package aggregate

import (
	"sort"

	"worklens/internal/core"
)

// Workstream health classifications derived from utilization.
const (
	HealthOnTrack    = "on_track"
	HealthAtRisk     = "at_risk"
	HealthOverBudget = "over_budget"
	HealthNoBudget   = "no_budget"
)

const atRiskThreshold = 0.9

// Config carries the tunables of spend conversion.
type Config struct {
	// HoursPerDay converts logged hours into day-equivalents when costing
	// timesheet entries. Zero falls back to the 8-hour default.
	HoursPerDay core.Quantity
}

func (c Config) hoursPerDayMilli() int64 {
	if c.HoursPerDay.Milli > 0 {
		return c.HoursPerDay.Milli
	}
	return 8000
}

// Input is the anonymized material the aggregations run over.
type Input struct {
	Profiles    []core.AnonymizedProfile
	Workstreams []core.AnonymizedWorkstream
	Timesheets  []core.TimesheetEntry
}

// allocationCost is days times daily rate in cents, rounded half-up. This
// is the single rounding point of budget math.
func allocationCost(days core.Quantity, rate core.Money) core.Money {
	product := days.Milli * rate.Cents
	return core.Money{Cents: divRoundHalfUp(product, 1000)}
}

// entryCost converts logged hours to day-equivalents and prices them at
// the profile's daily rate, rounding once.
func entryCost(hours core.Quantity, rate core.Money, hoursPerDayMilli int64) core.Money {
	product := hours.Milli * rate.Cents
	return core.Money{Cents: divRoundHalfUp(product, hoursPerDayMilli)}
}

func divRoundHalfUp(n, d int64) int64 {
	if n < 0 {
		return -divRoundHalfUp(-n, d)
	}
	return (n + d/2) / d
}

// WorkstreamBudgets sums allocation costs per workstream. Workstreams with
// no allocations appear with a zero budget rather than being dropped.
func WorkstreamBudgets(in Input) []core.BudgetAggregate {
	totals := map[string]int64{}
	for _, p := range in.Profiles {
		for _, a := range p.Allocations {
			totals[a.WorkstreamID] += allocationCost(a.Days, p.DailyRate).Cents
		}
	}

	out := make([]core.BudgetAggregate, 0, len(in.Workstreams))
	seen := map[string]bool{}
	for _, w := range in.Workstreams {
		seen[w.ID] = true
		out = append(out, core.BudgetAggregate{
			WorkstreamID: w.ID,
			TotalBudget:  core.Money{Cents: totals[w.ID]},
			Status:       w.Status,
		})
	}
	// Allocations may reference a workstream carried over from an earlier
	// batch; keep its budget visible.
	for id, cents := range totals {
		if !seen[id] {
			out = append(out, core.BudgetAggregate{WorkstreamID: id, TotalBudget: core.Money{Cents: cents}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkstreamID < out[j].WorkstreamID })
	return out
}

// ProfileTotals sums allocation costs per profile. By construction the sum
// of all profile totals equals the sum of all workstream budgets.
func ProfileTotals(in Input) []core.ProfileTotal {
	out := make([]core.ProfileTotal, 0, len(in.Profiles))
	for _, p := range in.Profiles {
		var cents int64
		for _, a := range p.Allocations {
			cents += allocationCost(a.Days, p.DailyRate).Cents
		}
		out = append(out, core.ProfileTotal{ProfileID: p.ID, Total: core.Money{Cents: cents}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// spentByWorkstream prices approved timesheet hours per workstream.
// Pending and rejected entries cost nothing until approved.
func spentByWorkstream(in Input, cfg Config) (spent map[string]int64, hours map[string]int64) {
	rates := map[string]core.Money{}
	for _, p := range in.Profiles {
		rates[p.ID] = p.DailyRate
	}
	hpd := cfg.hoursPerDayMilli()

	spent = map[string]int64{}
	hours = map[string]int64{}
	for _, t := range in.Timesheets {
		if t.Status != core.StatusApproved {
			continue
		}
		hours[t.WorkstreamID] += t.Hours.Milli
		spent[t.WorkstreamID] += entryCost(t.Hours, rates[t.ProfileID], hpd).Cents
	}
	return spent, hours
}

// Utilization is spent over budget. A zero budget makes the ratio
// undefined, which is distinct from a ratio of zero.
func Utilization(spent, budget core.Money) core.Utilization {
	if budget.Cents == 0 {
		return core.Utilization{}
	}
	return core.Utilization{
		Defined: true,
		Ratio:   float64(spent.Cents) / float64(budget.Cents),
	}
}

func healthFor(u core.Utilization) string {
	switch {
	case !u.Defined:
		return HealthNoBudget
	case u.Ratio > 1:
		return HealthOverBudget
	case u.Ratio >= atRiskThreshold:
		return HealthAtRisk
	default:
		return HealthOnTrack
	}
}

// WorkstreamReport is one dashboard row.
type WorkstreamReport struct {
	WorkstreamID string
	Name         string
	Status       core.WorkstreamStatus
	Budget       core.Money
	Spent        core.Money
	HoursLogged  core.Quantity
	Utilization  core.Utilization
	Health       string
}

// Summary is the full dashboard aggregation for one dataset.
type Summary struct {
	TotalBudget   core.Money
	TotalSpent    core.Money
	Workstreams   []WorkstreamReport
	ProfileTotals []core.ProfileTotal
}

// BuildSummary assembles budgets, approved spend, utilization and health
// per workstream plus dataset-wide totals.
func BuildSummary(in Input, cfg Config) Summary {
	budgets := WorkstreamBudgets(in)
	spent, hours := spentByWorkstream(in, cfg)

	names := map[string]string{}
	for _, w := range in.Workstreams {
		names[w.ID] = w.Name
	}

	var s Summary
	for _, b := range budgets {
		sp := core.Money{Cents: spent[b.WorkstreamID]}
		u := Utilization(sp, b.TotalBudget)
		s.Workstreams = append(s.Workstreams, WorkstreamReport{
			WorkstreamID: b.WorkstreamID,
			Name:         names[b.WorkstreamID],
			Status:       b.Status,
			Budget:       b.TotalBudget,
			Spent:        sp,
			HoursLogged:  core.Quantity{Milli: hours[b.WorkstreamID]},
			Utilization:  u,
			Health:       healthFor(u),
		})
		s.TotalBudget.Cents += b.TotalBudget.Cents
		s.TotalSpent.Cents += sp.Cents
	}
	s.ProfileTotals = ProfileTotals(in)
	return s
}
