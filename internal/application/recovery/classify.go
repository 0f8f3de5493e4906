package recovery

import (
	"regexp"
	"strings"

	"github.com/materlab/kiln/pkg/domain"
)

// Classification is the classifier's verdict for one failed attempt.
type Classification struct {
	Class   domain.FailureClass
	Excerpt string
}

const maxExcerptLen = 200

// classPatterns maps each failure class to the diagnostic patterns that
// select it. The tables are the whole decision surface: adding a rule
// means adding a pattern here, never branching on raw text elsewhere.
var classPatterns = map[domain.FailureClass][]*regexp.Regexp{
	domain.FailureConvergence: {
		regexp.MustCompile(`(?i)SCF NOT CONVERGED`),
		regexp.MustCompile(`(?i)TOO MANY CYCLES`),
		regexp.MustCompile(`(?i)CONVERGENCE NOT (?:REACHED|ACHIEVED)`),
		regexp.MustCompile(`(?i)ENERGY (?:IS )?OSCILLATING`),
		regexp.MustCompile(`(?i)ANOMALOUS SCF`),
	},
	domain.FailureResources: {
		regexp.MustCompile(`(?i)DUE TO TIME LIMIT`),
		regexp.MustCompile(`(?i)oom[-_]kill`),
		regexp.MustCompile(`(?i)OUT[ _]OF[ _]MEMORY`),
		regexp.MustCompile(`(?i)exceeded .*memory limit`),
		regexp.MustCompile(`(?i)INSUFFICIENT (?:MEMORY|SPACE)`),
	},
	domain.FailureMalformedParam: {
		regexp.MustCompile(`(?i)ERROR IN INPUT`),
		regexp.MustCompile(`(?i)ERRONEOUS INPUT`),
		regexp.MustCompile(`(?i)UNRECOGNIZED KEYWORD`),
		regexp.MustCompile(`(?i)WRONG KEYWORD`),
		regexp.MustCompile(`(?i)INVALID (?:PARAMETER|DIRECTIVE)`),
		regexp.MustCompile(`(?i)BASIS SET .* NOT (?:FOUND|DEFINED)`),
	},
	domain.FailureInfrastructure: {
		regexp.MustCompile(`(?i)slurm_load_jobs error`),
		regexp.MustCompile(`(?i)Unable to contact slurm controller`),
		regexp.MustCompile(`(?i)Socket timed out`),
		regexp.MustCompile(`(?i)NODE_?FAIL`),
		regexp.MustCompile(`(?i)Communication connection failure`),
		regexp.MustCompile(`(?i)Transport endpoint is not connected`),
		regexp.MustCompile(`(?i)Stale file handle`),
		regexp.MustCompile(`(?i)no longer reported by scheduler`),
	},
}

// Classify maps a diagnostic text to its failure class. Classes are
// checked in domain.FailureClasses order and the first matching pattern
// wins, so the same text always classifies the same way. Text matching
// nothing, or an empty diagnostic, is Unknown.
func Classify(diagnostic string) Classification {
	for _, class := range domain.FailureClasses {
		patterns, ok := classPatterns[class]
		if !ok {
			continue
		}
		for _, re := range patterns {
			if loc := re.FindStringIndex(diagnostic); loc != nil {
				return Classification{
					Class:   class,
					Excerpt: excerptAround(diagnostic, loc[0]),
				}
			}
		}
	}
	return Classification{Class: domain.FailureUnknown}
}

// excerptAround returns the trimmed line containing offset, capped for
// storage in the failure record.
func excerptAround(text string, offset int) string {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += offset
	}
	line := strings.TrimSpace(text[start:end])
	if len(line) > maxExcerptLen {
		line = line[:maxExcerptLen]
	}
	return line
}
