// Package prompt assembles the layered, trust-gated system prompt (spec
// §4.3): an ordered list of blocks, each tagged with a cache hint so a
// provider adapter can place Stable content first for prefix-cache hit
// rate.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelhq/relay/pkg/models"
)

// CacheHint classifies how often a block's content changes, mirroring the
// teacher's prefix-caching concern (stable identity/behavior text first,
// session-scoped content next, volatile content last).
type CacheHint string

const (
	CacheStable  CacheHint = "stable"
	CacheSession CacheHint = "session"
	CacheVolatile CacheHint = "volatile"
)

// Block is one section of the assembled prompt.
type Block struct {
	Name      string
	Hint      CacheHint
	Content   string
	Truncated bool
}

// WorkspaceFile is a trust-gated, possibly-override prompt file declared
// by configuration.
type WorkspaceFile struct {
	Label    string
	Content  string
	MinTrust models.TrustLevel
	// Override reports whether Content began with the `<!-- override -->`
	// marker, in which case it replaces rather than appends to the
	// built-in default for Label.
	Override bool
}

// ChannelFormat is a per-channel-family formatting instruction block
// (built-in default or a workspace override under channels/<family>.md).
type ChannelFormat struct {
	Family  string
	Content string
}

// Input is everything the builder needs to assemble one prompt. Fields
// left zero-valued simply omit their corresponding block.
type Input struct {
	Trust         models.TrustLevel
	UserName      string
	PromptChannel string

	IdentityText string // Stable: agent soul/personality
	BehaviorText string // Stable: instructions + HEARTBEAT_OK convention

	WorkspaceFiles []WorkspaceFile
	ChannelFormats map[string]ChannelFormat // keyed by family

	ToolOneLiners []string // Tools block, one per visible tool

	ModelName   string
	SessionKind string
	Now         time.Time

	GroupOverlay string // Situation overlay for Group(...) sessions, empty otherwise

	MemoryIndexLines []string // compact TOC of recent observations, trust-gated upstream
	RecentSummaries  []string // Full-trust-only recent-session summaries
}

// blockCharLimits caps each block's length; content beyond the cap is
// truncated with a visible marker, matching the teacher's
// readPromptFileLimited "...(truncated)" convention.
var blockCharLimits = map[string]int{
	"identity":  4_000,
	"behavior":  4_000,
	"workspace": 8_000,
	"tools":     4_000,
	"memory":    4_000,
}

// Build is deterministic given the same Input, which callers rely on for
// prefix-cache stability.
func Build(in Input) []Block {
	var blocks []Block

	if s := strings.TrimSpace(in.IdentityText); s != "" {
		blocks = append(blocks, limited("identity", CacheStable, s))
	}
	if s := strings.TrimSpace(in.BehaviorText); s != "" {
		blocks = append(blocks, limited("behavior", CacheStable, s))
	}

	if in.UserName != "" {
		blocks = append(blocks, Block{
			Name: "user_context", Hint: CacheSession,
			Content: fmt.Sprintf("You are speaking with %s (trust=%s).", in.UserName, in.Trust),
		})
	}

	if ws := buildWorkspaceBlock(in.Trust, in.WorkspaceFiles); ws != "" {
		blocks = append(blocks, limited("workspace", CacheSession, ws))
	}

	if cf := resolveChannelFormat(in.PromptChannel, in.ChannelFormats); cf != "" {
		blocks = append(blocks, Block{Name: "channel_format", Hint: CacheSession, Content: cf})
	}

	if len(in.ToolOneLiners) > 0 {
		blocks = append(blocks, limited("tools", CacheSession, "Available tools:\n"+strings.Join(in.ToolOneLiners, "\n")))
	}

	blocks = append(blocks, Block{
		Name: "runtime", Hint: CacheVolatile,
		Content: fmt.Sprintf("Current time: %s\nModel: %s\nSession: %s",
			in.Now.Format(time.RFC3339), in.ModelName, in.SessionKind),
	})

	if s := strings.TrimSpace(in.GroupOverlay); s != "" {
		blocks = append(blocks, Block{Name: "situation_overlay", Hint: CacheSession, Content: s})
	}

	if mem := buildMemoryIndexBlock(in.Trust, in.MemoryIndexLines, in.RecentSummaries); mem != "" {
		blocks = append(blocks, limited("memory", CacheSession, mem))
	}

	return reorderByCacheHint(blocks)
}

// reorderByCacheHint places Stable blocks first, then Session, then
// Volatile, preserving relative order within each tier — the teacher's
// prefix-cache placement concern generalized from a flat string to an
// ordered block list.
func reorderByCacheHint(blocks []Block) []Block {
	var stable, session, volatile []Block
	for _, b := range blocks {
		switch b.Hint {
		case CacheStable:
			stable = append(stable, b)
		case CacheVolatile:
			volatile = append(volatile, b)
		default:
			session = append(session, b)
		}
	}
	out := make([]Block, 0, len(blocks))
	out = append(out, stable...)
	out = append(out, session...)
	out = append(out, volatile...)
	return out
}

func limited(name string, hint CacheHint, content string) Block {
	limit, ok := blockCharLimits[name]
	if !ok || len([]rune(content)) <= limit {
		return Block{Name: name, Hint: hint, Content: content}
	}
	runes := []rune(content)
	return Block{
		Name:      name,
		Hint:      hint,
		Content:   strings.TrimSpace(string(runes[:limit])) + "\n...(truncated)",
		Truncated: true,
	}
}

// workspaceGroup accumulates every trust-visible file sharing one Label:
// files without the override marker append to defaultParts in order,
// while an override file fully replaces them for that Label.
type workspaceGroup struct {
	defaultParts []string
	override     string
}

func buildWorkspaceBlock(trust models.TrustLevel, files []WorkspaceFile) string {
	order := make([]string, 0, len(files))
	groups := make(map[string]*workspaceGroup, len(files))

	for _, f := range files {
		if trust < f.MinTrust {
			continue
		}
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		g, ok := groups[f.Label]
		if !ok {
			g = &workspaceGroup{}
			groups[f.Label] = g
			order = append(order, f.Label)
		}
		if f.Override {
			g.override = content
		} else {
			g.defaultParts = append(g.defaultParts, content)
		}
	}

	var parts []string
	for _, label := range order {
		g := groups[label]
		content := g.override
		if content == "" {
			content = strings.Join(g.defaultParts, "\n\n")
		}
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:\n%s", label, content))
	}
	return strings.Join(parts, "\n\n")
}

func resolveChannelFormat(promptChannel string, formats map[string]ChannelFormat) string {
	if promptChannel == "" || formats == nil {
		return ""
	}
	cf, ok := formats[promptChannel]
	if !ok {
		return ""
	}
	return strings.TrimSpace(cf.Content)
}

func buildMemoryIndexBlock(trust models.TrustLevel, indexLines, recentSummaries []string) string {
	var parts []string
	if len(indexLines) > 0 {
		parts = append(parts, "Recent observations:\n"+strings.Join(indexLines, "\n"))
	}
	if trust >= models.Full && len(recentSummaries) > 0 {
		parts = append(parts, "Recent session summaries:\n"+strings.Join(recentSummaries, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Render flattens the ordered blocks into the single string passed to the
// provider as the system prompt.
func Render(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.Content) == "" {
			continue
		}
		parts = append(parts, b.Content)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
