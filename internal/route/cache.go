package route

import (
	"fmt"
	"math"
	"time"

	"github.com/synod-ai/synod/pkg/types"
)

// fingerprintPromptLen is how much of the prompt participates in the cache
// key. Longer prompts differing only past this point share a decision.
const fingerprintPromptLen = 100

// fingerprint builds the decision-cache key from the task type, the head of
// the prompt, and metrics normalized into coarse buckets so near-identical
// requests share an entry.
func fingerprint(task types.TaskType, prompt string, m Metrics) string {
	if len(prompt) > fingerprintPromptLen {
		prompt = prompt[:fingerprintPromptLen]
	}
	return fmt.Sprintf("%s|%s|%s", task, prompt, normalizeMetrics(m))
}

func normalizeMetrics(m Metrics) string {
	return fmt.Sprintf("f%d|l%d|t%d|%t%t%t%t",
		fileBucket(m.FileCount),
		lineBucket(m.LinesOfCode),
		timeBucket(m.EstimatedProcessingTime),
		m.MultiFile, m.DeepAnalysis, m.SecurityImplications, m.TemplateGeneration)
}

func fileBucket(n int) int {
	switch {
	case n > 10:
		return 3
	case n > 3:
		return 2
	case n > 0:
		return 1
	}
	return 0
}

// lineBucket groups line counts by order of magnitude; the score uses a
// log10 term, so finer granularity would only fragment the cache.
func lineBucket(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Log10(float64(n))) + 1
}

func timeBucket(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Log10(d.Seconds()+1)) + 1
}
