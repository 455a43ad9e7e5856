package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/kestrelhq/relay/pkg/models"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
}

func TestBuildOrdersBlocksByStableSessionVolatile(t *testing.T) {
	blocks := Build(Input{
		Trust:        models.Owner,
		UserName:     "jess",
		IdentityText: "You are Relay.",
		BehaviorText: "Be helpful.",
		Now:          fixedNow(),
		ModelName:    "claude",
		SessionKind:  "main",
	})

	if len(blocks) < 3 {
		t.Fatalf("expected at least 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Hint != CacheStable || blocks[1].Hint != CacheStable {
		t.Fatalf("expected first two blocks stable, got %v, %v", blocks[0].Hint, blocks[1].Hint)
	}
	last := blocks[len(blocks)-1]
	if last.Hint != CacheVolatile {
		t.Fatalf("expected last block volatile (runtime), got %v", last)
	}
}

func TestBuildOmitsEmptyBlocks(t *testing.T) {
	blocks := Build(Input{Now: fixedNow()})
	for _, b := range blocks {
		if b.Name == "identity" || b.Name == "behavior" || b.Name == "user_context" {
			t.Fatalf("expected %s block to be omitted when empty, got present", b.Name)
		}
	}
	// runtime block is always present
	found := false
	for _, b := range blocks {
		if b.Name == "runtime" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected runtime block to always be present")
	}
}

func TestWorkspaceFilesAreTrustGated(t *testing.T) {
	files := []WorkspaceFile{
		{Label: "AGENTS", Content: "public notes", MinTrust: models.Public},
		{Label: "SOUL", Content: "owner-only secrets", MinTrust: models.Owner},
	}

	low := Build(Input{Trust: models.Familiar, WorkspaceFiles: files, Now: fixedNow()})
	rendered := Render(low)
	if !strings.Contains(rendered, "public notes") {
		t.Fatalf("expected public-trust file included, got %q", rendered)
	}
	if strings.Contains(rendered, "owner-only secrets") {
		t.Fatalf("expected owner-only file excluded at Familiar trust, got %q", rendered)
	}

	high := Build(Input{Trust: models.Owner, WorkspaceFiles: files, Now: fixedNow()})
	renderedHigh := Render(high)
	if !strings.Contains(renderedHigh, "owner-only secrets") {
		t.Fatalf("expected owner-only file included at Owner trust, got %q", renderedHigh)
	}
}

func TestMemoryIndexSummariesAreFullTrustOnly(t *testing.T) {
	in := Input{
		Trust:            models.Inner,
		MemoryIndexLines: []string{"obs 1"},
		RecentSummaries:  []string{"secret summary"},
		Now:              fixedNow(),
	}
	rendered := Render(Build(in))
	if !strings.Contains(rendered, "obs 1") {
		t.Fatalf("expected memory index lines visible below Full trust")
	}
	if strings.Contains(rendered, "secret summary") {
		t.Fatalf("expected recent summaries hidden below Full trust, got %q", rendered)
	}

	in.Trust = models.Full
	rendered = Render(Build(in))
	if !strings.Contains(rendered, "secret summary") {
		t.Fatalf("expected recent summaries visible at Full trust")
	}
}

func TestChannelFormatResolvesByPromptChannel(t *testing.T) {
	in := Input{
		PromptChannel: "telegram",
		ChannelFormats: map[string]ChannelFormat{
			"telegram": {Family: "telegram", Content: "Use Markdown V2."},
			"discord":  {Family: "discord", Content: "Use Discord markdown."},
		},
		Now: fixedNow(),
	}
	rendered := Render(Build(in))
	if !strings.Contains(rendered, "Markdown V2") {
		t.Fatalf("expected telegram format selected, got %q", rendered)
	}
	if strings.Contains(rendered, "Discord markdown") {
		t.Fatalf("expected discord format excluded, got %q", rendered)
	}
}

func TestLongBlockIsTruncatedWithMarker(t *testing.T) {
	long := strings.Repeat("x", blockCharLimits["identity"]+500)
	blocks := Build(Input{IdentityText: long, Now: fixedNow()})
	var identity *Block
	for i := range blocks {
		if blocks[i].Name == "identity" {
			identity = &blocks[i]
		}
	}
	if identity == nil {
		t.Fatalf("expected identity block present")
	}
	if !identity.Truncated {
		t.Fatalf("expected identity block marked truncated")
	}
	if !strings.HasSuffix(identity.Content, "...(truncated)") {
		t.Fatalf("expected truncation marker suffix, got %q", identity.Content[len(identity.Content)-30:])
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	in := Input{
		Trust:          models.Full,
		UserName:       "jess",
		IdentityText:   "Identity.",
		BehaviorText:   "Behavior.",
		WorkspaceFiles: []WorkspaceFile{{Label: "AGENTS", Content: "notes", MinTrust: models.Public}},
		ToolOneLiners:  []string{"search: find things"},
		Now:            fixedNow(),
		ModelName:      "claude",
		SessionKind:    "main",
	}
	a := Render(Build(in))
	b := Render(Build(in))
	if a != b {
		t.Fatalf("expected deterministic output, got different renders")
	}
}

func TestOverrideWorkspaceFileReplacesRatherThanAppends(t *testing.T) {
	files := []WorkspaceFile{
		{Label: "AGENTS", Content: "default instructions", MinTrust: models.Public},
		{Label: "AGENTS", Content: "operator override", MinTrust: models.Public, Override: true},
	}
	rendered := Render(Build(Input{Trust: models.Public, WorkspaceFiles: files, Now: fixedNow()}))
	if !strings.Contains(rendered, "operator override") {
		t.Fatalf("expected override content present, got %q", rendered)
	}
	if strings.Contains(rendered, "default instructions") {
		t.Fatalf("expected override to replace the default rather than append to it, got %q", rendered)
	}
}

func TestNonOverrideFilesSharingALabelStillAppend(t *testing.T) {
	files := []WorkspaceFile{
		{Label: "AGENTS", Content: "shared default", MinTrust: models.Public},
		{Label: "AGENTS", Content: "per-user addendum", MinTrust: models.Public},
	}
	rendered := Render(Build(Input{Trust: models.Public, WorkspaceFiles: files, Now: fixedNow()}))
	if !strings.Contains(rendered, "shared default") || !strings.Contains(rendered, "per-user addendum") {
		t.Fatalf("expected both non-override entries to appear, got %q", rendered)
	}
}

func TestGroupOverlayOnlyPresentForGroupSessions(t *testing.T) {
	withOverlay := Render(Build(Input{GroupOverlay: "Multiple people are in this chat.", Now: fixedNow()}))
	if !strings.Contains(withOverlay, "Multiple people are in this chat.") {
		t.Fatalf("expected overlay text present when set")
	}

	without := Render(Build(Input{Now: fixedNow()}))
	if strings.Contains(without, "Multiple people") {
		t.Fatalf("expected no overlay text when unset")
	}
}
