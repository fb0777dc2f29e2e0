package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SourceRule matches the records contributed by one source.
type SourceRule interface {
	Matches(Record) bool
	String() string
}

type appRule string

func (r appRule) Matches(rec Record) bool { return strings.EqualFold(rec.SourceApp, string(r)) }
func (r appRule) String() string         { return "app:" + string(r) }

type deviceRule string

func (r deviceRule) Matches(rec Record) bool { return rec.DeviceID == string(r) }
func (r deviceRule) String() string         { return "device:" + string(r) }

// AppSource matches records tagged with the given source_app.
func AppSource(sourceApp string) SourceRule { return appRule(sourceApp) }

// DeviceSource matches records from a single device.
func DeviceSource(deviceID string) SourceRule { return deviceRule(deviceID) }

// ParseSourceRule accepts "device:<id>", "app:<source_app>" or a bare source_app tag.
func ParseSourceRule(entry string) (SourceRule, error) {
	entry = strings.TrimSpace(entry)
	kind, value, found := strings.Cut(entry, ":")
	if !found {
		kind, value = "app", entry
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty source rule %q", entry)
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "app":
		return AppSource(value), nil
	case "device":
		return DeviceSource(value), nil
	default:
		return nil, fmt.Errorf("unknown source rule kind %q", kind)
	}
}

// Resolver picks the row that represents a date's current state. Rules earlier in the
// list outrank later ones; records no rule matches rank last.
type Resolver struct {
	rules []SourceRule
}

// NewResolver builds a Resolver from an ordered rule list.
func NewResolver(rules ...SourceRule) *Resolver {
	return &Resolver{rules: append([]SourceRule(nil), rules...)}
}

// ParseResolver builds a Resolver from configuration entries.
func ParseResolver(entries []string) (*Resolver, error) {
	rules := make([]SourceRule, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		rule, err := ParseSourceRule(entry)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return NewResolver(rules...), nil
}

// Rules returns the configured order.
func (r *Resolver) Rules() []SourceRule {
	return append([]SourceRule(nil), r.rules...)
}

func (r *Resolver) rank(rec Record) int {
	for i, rule := range r.rules {
		if rule.Matches(rec) {
			return i
		}
	}
	return len(r.rules)
}

// preferred reports whether a should be chosen over b.
func (r *Resolver) preferred(a, b Record) bool {
	ra, rb := r.rank(a), r.rank(b)
	if ra != rb {
		return ra < rb
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.ID > b.ID
}

// Resolve returns the most recently received row of the highest-ranked source present
// in candidates. When no rule matches any candidate this is simply the most recent row.
func (r *Resolver) Resolve(candidates []Record) (Record, bool) {
	if len(candidates) == 0 {
		return Record{}, false
	}
	best := candidates[0]
	for _, rec := range candidates[1:] {
		if r.preferred(rec, best) {
			best = rec
		}
	}
	return best, true
}

// ResolveByDate resolves each date independently and returns one row per date,
// ascending by date.
func (r *Resolver) ResolveByDate(candidates []Record) []Record {
	groups := make(map[string][]Record)
	for _, rec := range candidates {
		key := FormatDate(rec.Date)
		groups[key] = append(groups[key], rec)
	}

	dates := make([]string, 0, len(groups))
	for key := range groups {
		dates = append(dates, key)
	}
	sort.Strings(dates)

	out := make([]Record, 0, len(dates))
	for _, key := range dates {
		if rec, ok := r.Resolve(groups[key]); ok {
			out = append(out, rec)
		}
	}
	return out
}
