// Package spawnpolicy implements the spawn decision function (C2): a pure
// function with no side effects and no randomness, mirroring the teacher's
// preference for small, easily-tested pure helpers ahead of orchestration.
package spawnpolicy

// Tick computes the list of issue IDs to spawn this orchestrator tick.
//
// It returns the prefix of readyOrdered of length
// min(cap-active, count of unclaimed issues in readyOrdered), skipping any
// issue already present in claimed and de-duplicating repeated IDs in
// readyOrdered (first-seen order is preserved).
func Tick(active, cap int, readyOrdered []string, claimed map[string]bool) []string {
	slots := cap - active
	if slots <= 0 {
		return nil
	}

	seen := make(map[string]bool, len(readyOrdered))
	chosen := make([]string, 0, slots)

	for _, issue := range readyOrdered {
		if len(chosen) >= slots {
			break
		}
		if seen[issue] {
			continue
		}
		seen[issue] = true

		if claimed[issue] {
			continue
		}
		chosen = append(chosen, issue)
	}

	if len(chosen) == 0 {
		return nil
	}
	return chosen
}
