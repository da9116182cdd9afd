package env

import (
	"fmt"

	"gridsignal/internal/domain"
)

// PhaseTable maps between the two decision-level directions and the
// simulator's fine-grained phase indices for one intersection type.
// The phase->direction side is many-to-one: every sub-phase of a
// direction's cycle (through, left turn, yellow, all red) belongs to
// that direction. The direction->phase side names the entry phase the
// simulator is instructed to jump to; the simulator inserts its own
// clearance sub-phases on the way there.
type PhaseTable struct {
	entry  [domain.DirectionCount]int
	phaseA map[int]struct{}
}

func NewPhaseTable(entryA, entryB int, phasesA, phasesB []int) (PhaseTable, error) {
	if entryA == entryB {
		return PhaseTable{}, fmt.Errorf("direction entry phases collide on index %d", entryA)
	}
	t := PhaseTable{phaseA: make(map[int]struct{}, len(phasesA))}
	t.entry[domain.DirectionA] = entryA
	t.entry[domain.DirectionB] = entryB
	for _, p := range phasesA {
		t.phaseA[p] = struct{}{}
	}
	for _, p := range phasesB {
		if _, ok := t.phaseA[p]; ok {
			return PhaseTable{}, fmt.Errorf("phase index %d assigned to both directions", p)
		}
	}
	return t, nil
}

// DefaultPhaseTable matches the standard four-phase program: phases 0-1
// cycle direction A, phases 2-3 cycle direction B.
func DefaultPhaseTable() PhaseTable {
	t, err := NewPhaseTable(0, 2, []int{0, 1}, []int{2, 3})
	if err != nil {
		panic(err)
	}
	return t
}

func (t PhaseTable) DirectionOf(phase int) domain.Direction {
	if _, ok := t.phaseA[phase]; ok {
		return domain.DirectionA
	}
	return domain.DirectionB
}

func (t PhaseTable) EntryPhase(d domain.Direction) int {
	return t.entry[d]
}
