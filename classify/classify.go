package classify

import (
	"fmt"
	"strings"

	"desuid/monitor"
	"desuid/scanner"
	"desuid/utils"
)

type Classification string

const (
	UsedWithEscalation    Classification = "used-with-escalation"
	UsedWithoutEscalation Classification = "used-without-escalation"
	NeverObserved         Classification = "never-observed"
)

// Verdict is the classifier's decision for one candidate. The
// rationale spells out the evidence so an operator can audit why a
// bit was or was not removed; observation-window verdicts are only as
// good as the window was representative, and the rationale says so.
type Verdict struct {
	Candidate      *scanner.Candidate
	Classification Classification
	Rationale      string
}

// KeepBits reports whether the privilege bits must be left in place.
func (v Verdict) KeepBits() bool {
	return v.Classification == UsedWithEscalation
}

// Classifier applies the necessity policy over frozen usage records.
type Classifier struct {
	allow   map[string]struct{}
	partial bool
}

// New builds a classifier. allowList paths are always classified as
// necessary regardless of observations; partial marks every rationale
// as based on a cut-short window.
func New(allowList []string, partial bool) *Classifier {
	return &Classifier{
		allow:   utils.CanonicalSet(allowList),
		partial: partial,
	}
}

// Classify is a pure decision over one candidate and its usage
// record. Precedence: allow-list, then never-observed, then
// used-without-escalation, then used-with-escalation.
func (c *Classifier) Classify(cand *scanner.Candidate, rec monitor.UsageRecord) Verdict {
	if _, ok := c.allow[cand.Path]; ok {
		return Verdict{
			Candidate:      cand,
			Classification: UsedWithEscalation,
			Rationale:      c.note("allow-listed; privilege bits retained regardless of observation"),
		}
	}

	switch {
	case rec.InvocationCount == 0:
		return Verdict{
			Candidate:      cand,
			Classification: NeverObserved,
			Rationale:      c.note("no invocations observed during the monitoring window; bits deemed unnecessary"),
		}
	case rec.EscalatedInvocationCount == 0:
		return Verdict{
			Candidate:      cand,
			Classification: UsedWithoutEscalation,
			Rationale: c.note(fmt.Sprintf(
				"%d invocation(s) by %s, none changed effective identity; bits deemed unnecessary",
				rec.InvocationCount, describeParents(rec.DistinctParents))),
		}
	default:
		return Verdict{
			Candidate:      cand,
			Classification: UsedWithEscalation,
			Rationale: c.note(fmt.Sprintf(
				"%d of %d invocation(s) escalated effective identity (parents: %s); bits necessary",
				rec.EscalatedInvocationCount, rec.InvocationCount, describeParents(rec.DistinctParents))),
		}
	}
}

// ClassifyAll produces one verdict per candidate, in candidate order,
// including candidates with zero observed invocations.
func (c *Classifier) ClassifyAll(candidates []*scanner.Candidate, records map[string]monitor.UsageRecord) []Verdict {
	verdicts := make([]Verdict, 0, len(candidates))
	for _, cand := range candidates {
		verdicts = append(verdicts, c.Classify(cand, records[cand.Path]))
	}
	return verdicts
}

func (c *Classifier) note(s string) string {
	if c.partial {
		return s + " [partial observation window]"
	}
	return s
}

func describeParents(parents []string) string {
	if len(parents) == 0 {
		return "unknown parents"
	}
	if len(parents) <= 3 {
		return strings.Join(parents, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(parents[:3], ", "), len(parents)-3)
}
