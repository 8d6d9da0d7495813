package goaffiliate

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// TimeSeriesOptions parameterizes BuildTimeSeries. Zero values fall back to defaults.
type TimeSeriesOptions struct {
	// Range is the requested window. Missing bounds are derived from the data.
	Range DateRange

	// Now anchors "today" (default: time.Now)
	Now time.Time

	// Location determines day boundaries (default: UTC)
	Location *time.Location

	// LookbackDays sizes the window when there is no data and no start (default: 30)
	LookbackDays int

	// MaxDays caps the series length by moving the start forward (0 = no cap)
	MaxDays int
}

func (o TimeSeriesOptions) withDefaults() TimeSeriesOptions {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = defaultLookbackDays
	}
	return o
}

// dailyUsers is the date -> category -> set of user IDs accumulator
type dailyUsers map[string]map[string]map[string]struct{}

// add records userID under (date, category) and reports whether it was new
func (d dailyUsers) add(date, category, userID string) bool {
	byCategory, ok := d[date]
	if !ok {
		byCategory = make(map[string]map[string]struct{})
		d[date] = byCategory
	}
	set, ok := byCategory[category]
	if !ok {
		set = make(map[string]struct{})
		byCategory[category] = set
	}
	if _, seen := set[userID]; seen {
		return false
	}
	set[userID] = struct{}{}
	return true
}

func (d dailyUsers) earliest() (string, bool) {
	first := ""
	for date := range d {
		if first == "" || date < first {
			first = date
		}
	}
	return first, first != ""
}

// BuildTimeSeries produces a zero-filled daily series of conversions.
//
// Each user contributes at most once per category, on the date of the first
// event of that category. Signups are taken from ReferralCreatedAt. Every day
// in the resolved range gets a point carrying every schema key plus signup.
func BuildTimeSeries(users []UserEvents, schema *EventUnionMap, opts TimeSeriesOptions) []TimeSeriesPoint {
	opts = opts.withDefaults()
	keys := displayKeys(schema)
	loc := opts.Location

	acc := make(dailyUsers)
	counts := make(map[string]map[string]int)
	record := func(at time.Time, category, userID string) {
		date := at.In(loc).Format(dateLayout)
		if !acc.add(date, category, userID) {
			return
		}
		byCategory, ok := counts[date]
		if !ok {
			byCategory = make(map[string]int)
			counts[date] = byCategory
		}
		byCategory[category]++
	}

	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		for category, at := range firstOccurrences(u.Events) {
			if category == CategorySignup || !schema.Has(category) {
				continue
			}
			record(at, category, u.UserID)
		}
		if u.ReferralCreatedAt != nil && !u.ReferralCreatedAt.IsZero() {
			record(*u.ReferralCreatedAt, CategorySignup, u.UserID)
		}
	}

	start, end := resolveRange(opts, acc)
	if end.Before(start) {
		return []TimeSeriesPoint{}
	}

	points := make([]TimeSeriesPoint, 0, int(end.Sub(start).Hours()/24)+1)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		eventCounts := zeroCounts(keys)
		for category, n := range counts[date] {
			eventCounts[category] = n
		}
		points = append(points, TimeSeriesPoint{Date: date, EventCounts: eventCounts})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points
}

// resolveRange returns the first and last day of the series in opts.Location.
// Start defaults to the earliest accumulated date, else today minus the
// lookback; end defaults to today.
func resolveRange(opts TimeSeriesOptions, acc dailyUsers) (time.Time, time.Time) {
	loc := opts.Location
	today := startOfDay(opts.Now, loc)

	end := today
	if opts.Range.End != nil {
		end = startOfDay(*opts.Range.End, loc)
	}

	var start time.Time
	switch {
	case opts.Range.Start != nil:
		start = startOfDay(*opts.Range.Start, loc)
	default:
		if first, ok := acc.earliest(); ok {
			// Dates were formatted in loc so parsing in loc round-trips
			if t, err := time.ParseInLocation(dateLayout, first, loc); err == nil {
				start = t
				break
			}
		}
		start = today.AddDate(0, 0, -opts.LookbackDays)
	}

	if opts.MaxDays > 0 {
		if earliest := end.AddDate(0, 0, 1-opts.MaxDays); start.Before(earliest) {
			start = earliest
		}
	}

	return start, end
}
