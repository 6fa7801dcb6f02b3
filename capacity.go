package main

import "sort"

// Weights maps a degree to the capacity units one registrant consumes.
type Weights map[Degree]int

// Of returns the weight of d, 1 for an unknown degree.
func (w Weights) Of(d Degree) int {
	if v, ok := w[d]; ok && v > 0 {
		return v
	}
	return 1
}

// effectiveOccupancy sums the weights of PENDING and APPROVED registrations.
func effectiveOccupancy(regs []Registration, w Weights) int {
	total := 0
	for _, r := range regs {
		if r.Status.IsActive() {
			total += w.Of(r.Degree)
		}
	}
	return total
}

// hasCapacity reports whether a registrant of the given weight still fits in the slot.
func hasCapacity(slot Slot, regs []Registration, incoming int, w Weights) bool {
	return effectiveOccupancy(regs, w)+incoming <= slot.Capacity
}

// slotStatusFor derives the slot status from its occupancy.
func slotStatusFor(capacity, occupancy int) SlotStatus {
	switch {
	case occupancy <= 0:
		return SlotFree
	case occupancy >= capacity:
		return SlotFull
	default:
		return SlotSemi
	}
}

// occupantDegrees lists the distinct degrees of active registrations, earliest registrant first.
func occupantDegrees(regs []Registration) []Degree {
	active := make([]Registration, 0, len(regs))
	for _, r := range regs {
		if r.Status.IsActive() {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].RegisteredAt.Before(active[j].RegisteredAt)
	})

	var out []Degree
	seen := make(map[Degree]bool)
	for _, r := range active {
		if !seen[r.Degree] {
			seen[r.Degree] = true
			out = append(out, r.Degree)
		}
	}
	return out
}

// resolveQueueType returns the degree of the first entry by position.
// An empty queue has no type.
func resolveQueueType(entries []WaitingListEntry) (Degree, bool) {
	if len(entries) == 0 {
		return "", false
	}
	first := entries[0]
	for _, e := range entries[1:] {
		if e.Position < first.Position {
			first = e
		}
	}
	return first.Degree, true
}

// isExclusivityViolation reports whether candidate may not join occupants.
// An empty occupant set imposes no restriction.
func isExclusivityViolation(candidate Degree, occupants []Degree) bool {
	for _, d := range occupants {
		if d != candidate {
			return true
		}
	}
	return false
}

// exclusivityOutcome names a violation from the candidate's side: a lighter
// candidate is locked out by a heavier occupant, a heavier candidate is
// blocked by lighter occupants. Equal weights fall back to the degree itself.
func exclusivityOutcome(candidate Degree, occupants []Degree, w Weights) Outcome {
	for _, d := range occupants {
		if d == candidate {
			continue
		}
		cw, dw := w.Of(candidate), w.Of(d)
		if cw < dw || (cw == dw && candidate != DegreePhD) {
			return OutcomeSlotLocked
		}
	}
	return OutcomePhDBlockedByMSc
}
