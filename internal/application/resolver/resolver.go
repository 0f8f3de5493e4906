package resolver

import (
	"github.com/materlab/kiln/pkg/domain"
)

// Snapshot is the completion state a resolution runs against. The three
// sets are disjoint; pending calculations appear in none of them.
type Snapshot struct {
	Completed map[domain.StageRef]bool
	InFlight  map[domain.StageRef]bool
	Failed    map[domain.StageRef]bool
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		Completed: make(map[domain.StageRef]bool),
		InFlight:  make(map[domain.StageRef]bool),
		Failed:    make(map[domain.StageRef]bool),
	}
}

// SnapshotOf builds the snapshot for a workflow document.
func SnapshotOf(wf *domain.WorkflowState) Snapshot {
	snap := NewSnapshot()
	for _, c := range wf.Calcs {
		switch {
		case c.Status == domain.CalcStatusCompleted:
			snap.Completed[c.Stage] = true
		case c.Status == domain.CalcStatusFailed:
			snap.Failed[c.Stage] = true
		case c.Status.InFlight():
			snap.InFlight[c.Stage] = true
		}
	}
	return snap
}

// Eligible is one stage ready for submission with its resolved input
// source. Source nil means the stage starts from externally provisioned
// input, which only the plan's first entry may do.
type Eligible struct {
	Stage  domain.StageRef
	Source *domain.StageRef
}

// NextEligible returns every plan entry that is ready for submission,
// in plan order. justCompleted, when non-nil, is treated as completed
// regardless of the snapshot, so callers may resolve against the state
// they are about to commit.
//
// An entry is eligible when it is not completed, in flight or failed;
// when every earlier plan entry is settled (completed, or terminally
// failed with an optional kind), fan-out siblings sharing its source SP
// excepted; and when its source rule resolves against the completed set.
func NextEligible(plan *domain.WorkflowPlan, snap Snapshot, justCompleted *domain.StageRef) []Eligible {
	completed := make(map[domain.StageRef]bool, len(snap.Completed)+1)
	for ref := range snap.Completed {
		completed[ref] = true
	}
	if justCompleted != nil {
		completed[*justCompleted] = true
	}

	var out []Eligible
	for i := range plan.Stages {
		ref := plan.Stages[i].Ref
		if completed[ref] || snap.InFlight[ref] || snap.Failed[ref] {
			continue
		}
		pol, ok := domain.PolicyFor(ref.Kind)
		if !ok {
			continue
		}
		if !gateOpen(plan, i, pol, completed, snap.Failed) {
			continue
		}
		src, ok := resolveSource(plan, i, ref, pol, completed)
		if !ok {
			continue
		}
		out = append(out, Eligible{Stage: ref, Source: src})
	}
	return out
}

// gateOpen reports whether every plan entry before index i is settled.
// A settled entry is completed, or terminally failed with an optional
// kind. Fan-out siblings drawing on the same source SP as entry i do not
// gate each other, so one SP completion releases the whole group at
// once.
func gateOpen(plan *domain.WorkflowPlan, i int, pol domain.KindPolicy, completed, failed map[domain.StageRef]bool) bool {
	mySP := -1
	if pol.FanOut {
		mySP = precedingIndexOfKind(plan, i, domain.CalcKindSP)
	}
	for j := 0; j < i; j++ {
		other := plan.Stages[j].Ref
		if completed[other] {
			continue
		}
		otherPol, ok := domain.PolicyFor(other.Kind)
		if !ok {
			continue
		}
		if failed[other] && otherPol.Optional {
			continue
		}
		if pol.FanOut && otherPol.FanOut &&
			precedingIndexOfKind(plan, j, domain.CalcKindSP) == mySP {
			continue
		}
		return false
	}
	return true
}

// resolveSource applies the kind's source rule against the completed
// set. The second return is false when the rule cannot be satisfied yet.
func resolveSource(plan *domain.WorkflowPlan, i int, ref domain.StageRef, pol domain.KindPolicy, completed map[domain.StageRef]bool) (*domain.StageRef, bool) {
	switch pol.Source {
	case domain.SourceChain:
		if ref.Gen == 1 {
			if i == 0 {
				return nil, true
			}
			// A first occurrence past the plan start has nothing to
			// draw from; plan validation rejects these.
			return nil, false
		}
		if !completed[domain.StageRef{Kind: ref.Kind, Gen: ref.Gen - 1}] {
			return nil, false
		}
		// The starting input comes from the highest completed
		// generation, which equals Gen-1 while the gate holds.
		src, ok := latestCompleted(ref.Kind, completed)
		if !ok {
			return nil, false
		}
		return &src, true

	case domain.SourcePrecedingOpt:
		j := precedingIndexOfKind(plan, i, domain.CalcKindOpt)
		if j < 0 {
			if i == 0 {
				return nil, true
			}
			return nil, false
		}
		src := plan.Stages[j].Ref
		if !completed[src] {
			return nil, false
		}
		return &src, true

	case domain.SourceLatestOpt:
		src, ok := latestCompleted(domain.CalcKindOpt, completed)
		if !ok {
			if i == 0 {
				return nil, true
			}
			return nil, false
		}
		return &src, true

	case domain.SourcePrecedingSP:
		j := precedingIndexOfKind(plan, i, domain.CalcKindSP)
		if j < 0 {
			return nil, false
		}
		src := plan.Stages[j].Ref
		if !completed[src] {
			return nil, false
		}
		return &src, true
	}
	return nil, false
}

// precedingIndexOfKind returns the index of the entry of the given kind
// most closely preceding index i in plan order, or -1.
func precedingIndexOfKind(plan *domain.WorkflowPlan, i int, kind domain.CalcKind) int {
	for j := i - 1; j >= 0; j-- {
		if plan.Stages[j].Ref.Kind == kind {
			return j
		}
	}
	return -1
}

// latestCompleted returns the highest completed generation of a kind.
func latestCompleted(kind domain.CalcKind, completed map[domain.StageRef]bool) (domain.StageRef, bool) {
	best := domain.StageRef{}
	for ref := range completed {
		if ref.Kind == kind && ref.Gen > best.Gen {
			best = ref
		}
	}
	return best, best.Gen > 0
}
