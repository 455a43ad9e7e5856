package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelhq/relay/pkg/models"
)

// ShouldCompact reports whether a turn should run compaction before its
// first provider call, using the session's last reported input-token usage
// when available, falling back to a chars/4 estimate over its full
// history when no prior usage exists.
func ShouldCompact(session *models.Session, contextLimit int) bool {
	current := session.LastInputTokens
	if current == 0 {
		current = EstimateMessagesTokens(session.History)
	}
	return current > contextLimit-ReserveTokens
}

// Engine runs the compaction procedure (spec §4.6): find a cut point,
// serialize the dropped prefix, summarize it via the configured
// Summarizer, and produce the session's new CompactionState.
type Engine struct {
	Summarizer Summarizer
	Logger     *slog.Logger
}

func NewEngine(summarizer Summarizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Summarizer: summarizer, Logger: logger}
}

// Result is what a successful Compact produces.
type Result struct {
	State           *models.CompactionState
	NewMessageCount int
}

// Compact runs the full procedure. On summarization failure it logs and
// returns an error; per spec the caller must never abort the turn because
// of this — it should log the failure and continue with the full,
// uncompacted history for this turn.
func (e *Engine) Compact(ctx context.Context, session *models.Session) (*Result, error) {
	cutIndex := FindCutPoint(session.History, KeepRecentTokens)
	if cutIndex == 0 {
		// Nothing valid to drop; compaction is a no-op this round.
		return nil, nil
	}

	dropped := session.History[:cutIndex]
	kept := session.History[cutIndex:]
	transcript := SerializeDroppedPrefix(dropped)

	instruction := InitialSummaryInstruction()
	if session.Compaction != nil {
		transcript = WrapPreviousSummary(session.Compaction.SummaryText) + transcript
		instruction = IterativeUpdateInstruction()
	}

	summary, err := e.summarizeChunked(ctx, dropped, transcript, instruction)
	if err != nil {
		e.Logger.Error("compaction summarization failed, continuing with full history",
			slog.String("session", session.Key.String()), slog.Any("error", err))
		return nil, err
	}

	firstKeptID := ""
	if len(kept) > 0 {
		firstKeptID = kept[0].ID
	}

	state := &models.CompactionState{
		SummaryText:         summary,
		FirstKeptMessageID:  firstKeptID,
		TokensBeforeCompact: EstimateMessagesTokens(session.History),
		CreatedAt:           time.Now(),
	}

	return &Result{State: state, NewMessageCount: len(kept)}, nil
}

// summarizeChunked summarizes the dropped prefix directly when it's small
// enough for one call, otherwise splits it into token-bounded chunks,
// summarizes each, and merges the chunk summaries into one pass, per the
// teacher's chunk-then-merge summarization shape.
func (e *Engine) summarizeChunked(ctx context.Context, dropped []models.Message, transcript, instruction string) (string, error) {
	if EstimateMessagesTokens(dropped) <= MaxChunkTokens {
		return e.Summarizer.GenerateSummary(ctx, transcript, instruction)
	}

	chunks := ChunkMessagesByMaxTokens(dropped, MaxChunkTokens)
	chunkSummaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		summary, err := e.Summarizer.GenerateSummary(ctx, SerializeDroppedPrefix(chunk), instruction)
		if err != nil {
			return "", err
		}
		chunkSummaries = append(chunkSummaries, summary)
	}

	merged := ""
	for i, s := range chunkSummaries {
		if i > 0 {
			merged += "\n\n"
		}
		merged += s
	}
	return e.Summarizer.GenerateSummary(ctx, merged, IterativeUpdateInstruction())
}

// ApplyCompaction rewrites the in-memory view of history the provider will
// see without mutating the on-disk log: a synthetic user message carrying
// the summary, a synthetic assistant acknowledgement, then the kept
// messages starting at FirstKeptMessageID.
func ApplyCompaction(history []models.Message, state *models.CompactionState) []models.Message {
	if state == nil {
		return history
	}

	keepFrom := len(history)
	for i, m := range history {
		if m.ID == state.FirstKeptMessageID {
			keepFrom = i
			break
		}
	}

	rewritten := make([]models.Message, 0, len(history)-keepFrom+2)
	rewritten = append(rewritten,
		models.Message{Role: models.RoleUser, Content: []models.Content{models.TextBlock(summaryReplayText(state.SummaryText))}},
		models.Message{Role: models.RoleAssistant, Content: []models.Content{models.TextBlock("Understood, continuing from the summary above.")}},
	)
	rewritten = append(rewritten, history[keepFrom:]...)
	return rewritten
}

// summaryReplayText formats a stored compaction summary for the turn-time
// synthetic leading message a provider sees in place of the history
// compaction dropped (spec §4.2 step 5.b). This is distinct from
// WrapPreviousSummary, which wraps a summary into the re-summarization
// instruction transcript (spec §4.6 step 3) — the two have different
// readers (the provider mid-turn vs. the summarizer at compaction time)
// and don't need the same tagging.
func summaryReplayText(summary string) string {
	return fmt.Sprintf("Summary of earlier conversation:\n%s", summary)
}
