package domain

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// CalcKind identifies a calculation stage type.
type CalcKind string

const (
	CalcKindOpt       CalcKind = "OPT"
	CalcKindSP        CalcKind = "SP"
	CalcKindBand      CalcKind = "BAND"
	CalcKindDoss      CalcKind = "DOSS"
	CalcKindFreq      CalcKind = "FREQ"
	CalcKindTransport CalcKind = "TRANSPORT"
)

// SourceRule selects how a stage resolves the completed calculation it
// starts from.
type SourceRule int

const (
	// SourceChain resolves to the previous occurrence of the same kind,
	// or to external provisioning for the first occurrence.
	SourceChain SourceRule = iota
	// SourcePrecedingOpt resolves to the OPT entry most closely preceding
	// the stage in plan order.
	SourcePrecedingOpt
	// SourceLatestOpt resolves to the highest-generation OPT completed at
	// evaluation time.
	SourceLatestOpt
	// SourcePrecedingSP resolves to the SP entry most closely preceding
	// the stage in plan order.
	SourcePrecedingSP
)

// KindPolicy is the static dependency policy of a calculation kind.
// Optional kinds fail without blocking later plan entries; fan-out kinds
// sharing a source SP become eligible together.
type KindPolicy struct {
	NeedsGeometry bool
	Optional      bool
	FanOut        bool
	Source        SourceRule
}

var kindPolicies = map[CalcKind]KindPolicy{
	CalcKindOpt:       {NeedsGeometry: true, Source: SourceChain},
	CalcKindSP:        {NeedsGeometry: true, Source: SourcePrecedingOpt},
	CalcKindBand:      {Optional: true, FanOut: true, Source: SourcePrecedingSP},
	CalcKindDoss:      {Optional: true, FanOut: true, Source: SourcePrecedingSP},
	CalcKindTransport: {Optional: true, FanOut: true, Source: SourcePrecedingSP},
	CalcKindFreq:      {NeedsGeometry: true, Source: SourceLatestOpt},
}

// PolicyFor returns the dependency policy for a kind.
func PolicyFor(kind CalcKind) (KindPolicy, bool) {
	p, ok := kindPolicies[kind]
	return p, ok
}

// KnownKind reports whether kind is one of the supported calculation kinds.
func KnownKind(kind CalcKind) bool {
	_, ok := kindPolicies[kind]
	return ok
}

// StageRef identifies one entry of a workflow plan: a calculation kind
// plus its 1-based occurrence index within the plan.
type StageRef struct {
	Kind CalcKind `json:"kind"`
	Gen  int      `json:"generation"`
}

// Label renders the canonical stage label: the bare kind for the first
// generation, the kind with a numeric suffix otherwise ("OPT", "OPT2").
func (r StageRef) Label() string {
	if r.Gen <= 1 {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s%d", r.Kind, r.Gen)
}

// IsZero reports whether the ref is unset.
func (r StageRef) IsZero() bool {
	return r.Kind == "" && r.Gen == 0
}

// ParseStageLabel parses a stage label such as "OPT", "OPT2" or "sp" into
// a StageRef. Labels are parsed exactly once, at plan load; everything
// downstream works with the tagged value.
func ParseStageLabel(label string) (StageRef, error) {
	s := strings.ToUpper(strings.TrimSpace(label))
	if s == "" {
		return StageRef{}, fmt.Errorf("empty stage label")
	}

	i := len(s)
	for i > 0 && unicode.IsDigit(rune(s[i-1])) {
		i--
	}
	kind := CalcKind(s[:i])
	if !KnownKind(kind) {
		return StageRef{}, fmt.Errorf("unknown calculation kind %q in label %q", kind, label)
	}

	gen := 1
	if i < len(s) {
		n, err := strconv.Atoi(s[i:])
		if err != nil || n < 1 {
			return StageRef{}, fmt.Errorf("invalid generation suffix in label %q", label)
		}
		gen = n
	}
	return StageRef{Kind: kind, Gen: gen}, nil
}
