package multiplex

import (
	"fmt"
	"strconv"
	"strings"
)

// Targets selects the engines an operation applies to: every registered
// engine, or an explicit list of ids.
type Targets struct {
	all bool
	ids []int
}

// All selects every registered engine.
func All() Targets { return Targets{all: true} }

// One selects a single engine.
func One(id int) Targets { return Targets{ids: []int{id}} }

// IDs selects the listed engines, in the given order.
func IDs(ids ...int) Targets { return Targets{ids: ids} }

// IsAll reports whether t selects every engine.
func (t Targets) IsAll() bool { return t.all }

// IDs returns the explicit ids, or nil for All.
func (t Targets) IDs() []int { return t.ids }

func (t Targets) String() string {
	if t.all {
		return "all"
	}
	parts := make([]string, len(t.ids))
	for i, id := range t.ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseTargets parses "all", a single id or a comma-separated id list.
func ParseTargets(s string) (Targets, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Targets{}, fmt.Errorf("empty targets")
	}
	if strings.EqualFold(s, "all") {
		return All(), nil
	}

	var ids []int
	for part := range strings.SplitSeq(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return Targets{}, fmt.Errorf("invalid target %q", part)
		}
		ids = append(ids, id)
	}
	return IDs(ids...), nil
}
