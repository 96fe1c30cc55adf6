// Package diff computes which polled records are new relative to the last
// observed set.
package diff

// Identifiable is any record carrying an upstream-assigned identifier.
type Identifiable interface {
	ItemID() string
}

// Added returns the records of current whose IDs do not appear in previous.
// Identity is by ID only: a record whose content changed but whose ID was
// already seen is not reported. Duplicate IDs in current are reported once,
// in the order they first appear.
//
// A nil or empty previous reports every record in current. Callers that need
// to distinguish "never observed" from "observed as empty" must do so before
// calling Added.
func Added[T Identifiable](previous, current []T) []T {
	seen := make(map[string]struct{}, len(previous)+len(current))
	for _, p := range previous {
		seen[p.ItemID()] = struct{}{}
	}

	var added []T
	for _, c := range current {
		id := c.ItemID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		added = append(added, c)
	}
	return added
}
