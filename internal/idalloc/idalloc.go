// Package idalloc hands out small positive integer ids to installed devices.
package idalloc

// Next returns the smallest positive integer not present in used.
// Non-positive entries are ignored.
func Next(used []int) int {
	taken := make(map[int]struct{}, len(used))
	for _, id := range used {
		if id > 0 {
			taken[id] = struct{}{}
		}
	}
	id := 1
	for {
		if _, ok := taken[id]; !ok {
			return id
		}
		id++
	}
}

// Assign keeps current when it is set and otherwise allocates the next free id
// against the ids held by every other record. The bool reports whether a new
// id was allocated.
func Assign(current *int, others []int) (int, bool) {
	if current != nil && *current > 0 {
		return *current, false
	}
	return Next(others), true
}
