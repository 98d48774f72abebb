package store

import (
	"fmt"
	"sort"
)

// Helpers shared by the backends for ordering and bounding Find results.

func sortItems(items []Item, s Sort) {
	if s.Field == "" {
		if s.Desc {
			sort.Slice(items, func(i, j int) bool { return items[i].Key > items[j].Key })
		}
		// Backends produce key-ascending order already.
		return
	}
	// Decode once per item; records are small.
	fields := make([]map[string]interface{}, len(items))
	for i := range items {
		f, err := items[i].Fields()
		if err == nil {
			fields[i] = f
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		vi, vj := fields[i][s.Field], fields[j][s.Field]
		c := compareValues(vi, vj)
		if s.Desc {
			return c > 0
		}
		return c < 0
	})
}

func sliceItems(items []Item, opts FindOpts) []Item {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func errNotIndexed(field string) error {
	return fmt.Errorf("field %q is not indexed", field)
}

func errUnknownOp(op string) error {
	return fmt.Errorf("unknown batch operation %q", op)
}

func errNotGapSearchable(kt string) error {
	return fmt.Errorf("gap search unsupported for key type %q", kt)
}
