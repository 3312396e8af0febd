package datastore

import (
	"fmt"
	"sort"
	"strings"
)

// Filter restricts query results by a property value.
type Filter struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    any    `json:"value"`
}

// Order sorts query results by a property.
type Order struct {
	Property  string `json:"property"`
	Direction string `json:"direction,omitempty"` // "asc" (default) or "desc"
}

func (f Filter) validate() error {
	if f.Property == "" {
		return fmt.Errorf("filter has no property")
	}
	switch f.Op {
	case "=", "<", "<=", ">", ">=", "!=":
	default:
		return fmt.Errorf("filter on %q: unsupported operator %q", f.Property, f.Op)
	}
	if _, ok := typeRank(f.Value); !ok {
		return fmt.Errorf("filter on %q: value must be a scalar", f.Property)
	}
	return nil
}

func (o Order) validate() error {
	if o.Property == "" {
		return fmt.Errorf("order has no property")
	}
	switch strings.ToLower(o.Direction) {
	case "", "asc", "desc":
		return nil
	default:
		return fmt.Errorf("order on %q: unsupported direction %q", o.Property, o.Direction)
	}
}

// matches reports whether any value of the filtered property satisfies f.
// Entities without the property never match.
func (f Filter) matches(e *Entity) bool {
	v, ok := e.Properties[f.Property]
	if !ok {
		return false
	}
	for _, elem := range values(v) {
		c, comparable := compareValues(elem, f.Value)
		if !comparable {
			if f.Op == "!=" {
				return true
			}
			continue
		}
		if opHolds(f.Op, c) {
			return true
		}
	}
	return false
}

func opHolds(op string, c int) bool {
	switch op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// applyQuery filters, sorts and pages entities that are already ordered
// by key.
func applyQuery(entities []Entity, filters []Filter, orders []Order, offset, limit int) []Entity {
	var out []Entity
	for i := range entities {
		e := &entities[i]
		if !hasAll(e, orders) {
			continue
		}
		keep := true
		for _, f := range filters {
			if !f.matches(e) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, *e)
		}
	}

	if len(orders) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range orders {
				c := compareForSort(out[i].Properties[o.Property], out[j].Properties[o.Property])
				if c == 0 {
					continue
				}
				if strings.EqualFold(o.Direction, "desc") {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func hasAll(e *Entity, orders []Order) bool {
	for _, o := range orders {
		if _, ok := e.Properties[o.Property]; !ok {
			return false
		}
	}
	return true
}

func values(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// typeRank orders value types the way the datastore does: null, numbers,
// booleans, strings.
func typeRank(v any) (int, bool) {
	switch v.(type) {
	case nil:
		return 0, true
	case float64:
		return 1, true
	case bool:
		return 2, true
	case string:
		return 3, true
	}
	return 0, false
}

// compareValues compares two scalars of the same type. The second result
// is false when the types differ.
func compareValues(a, b any) (int, bool) {
	ra, okA := typeRank(a)
	rb, okB := typeRank(b)
	if !okA || !okB || ra != rb {
		return 0, false
	}
	switch av := a.(type) {
	case nil:
		return 0, true
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case string:
		return strings.Compare(av, b.(string)), true
	}
	return 0, false
}

// compareForSort orders any two property values. Lists sort by their
// smallest element.
func compareForSort(a, b any) int {
	a, b = smallest(a), smallest(b)
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, _ := typeRank(a)
	rb, _ := typeRank(b)
	return ra - rb
}

func smallest(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	if len(list) == 0 {
		return nil
	}
	lo := list[0]
	for _, x := range list[1:] {
		if compareForSort(x, lo) < 0 {
			lo = x
		}
	}
	return lo
}
