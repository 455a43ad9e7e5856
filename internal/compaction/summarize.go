package compaction

import (
	"context"
	"fmt"
)

// Summarizer produces a structured summary of a dropped history prefix.
// Implementations typically wrap a Provider configured for a fast,
// tool-free completion.
type Summarizer interface {
	GenerateSummary(ctx context.Context, transcript string, instruction string) (string, error)
}

// structuredOutputSpec is the fixed section list both the initial and the
// iterative-update instructions demand, so summaries stay mergeable and
// predictable for the turn executor to inject as a synthetic message.
const structuredOutputSpec = `Respond with exactly these sections, in order:
Goal: <one or two sentences on what this session is working toward>
Constraints: <bullet list of constraints or requirements discovered so far>
Progress:
  Done: <bullet list of completed work>
  In Progress: <bullet list of partially completed work>
Key Decisions: <bullet list of decisions made and why>
Next Steps: <bullet list of what remains>
Critical Context: <anything else a continuation needs to know>
read-files: <files read during this session, one per line>
modified-files: <files modified during this session, one per line>`

// InitialSummaryInstruction is used when the session has no prior
// CompactionState.
func InitialSummaryInstruction() string {
	return "Summarize the following conversation transcript so a new assistant " +
		"turn can continue the work without the original messages in context.\n\n" +
		structuredOutputSpec
}

// IterativeUpdateInstruction is used when a previous CompactionState exists;
// previousSummary is already wrapped in <previous-summary> tags by the
// caller before being appended to the transcript passed to the summarizer.
func IterativeUpdateInstruction() string {
	return "The <previous-summary> block above summarizes everything before this " +
		"transcript. Produce an updated summary that folds in what happened in " +
		"this transcript, replacing stale entries and keeping the whole thing " +
		"coherent.\n\n" + structuredOutputSpec
}

// WrapPreviousSummary wraps a prior summary in the tag the instruction
// expects, prefixed onto the transcript passed to the summarizer.
func WrapPreviousSummary(summary string) string {
	return fmt.Sprintf("<previous-summary>\n%s\n</previous-summary>\n\n", summary)
}
