package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionKindTag discriminates the variants of SessionKind.
type SessionKindTag string

const (
	KindMain  SessionKindTag = "main"
	KindDM    SessionKindTag = "dm"
	KindGroup SessionKindTag = "group"
	KindCron  SessionKindTag = "cron"
)

// SessionKind identifies what a session represents within an agent.
// Exactly one of the string fields is meaningful, selected by Tag.
type SessionKind struct {
	Tag SessionKindTag

	// DMTarget is "<channel>:<sender_id>" when Tag == KindDM.
	DMTarget string

	// GroupID is the group identifier when Tag == KindGroup.
	GroupID string

	// TaskName is the cron task name when Tag == KindCron.
	TaskName string
}

func DMKind(channel, senderID string) SessionKind {
	return SessionKind{Tag: KindDM, DMTarget: channel + ":" + senderID}
}

func GroupKind(groupID string) SessionKind {
	return SessionKind{Tag: KindGroup, GroupID: groupID}
}

func CronKind(taskName string) SessionKind {
	return SessionKind{Tag: KindCron, TaskName: taskName}
}

func MainKind() SessionKind {
	return SessionKind{Tag: KindMain}
}

// String renders a stable textual form used both for the slug on disk and
// for comparisons.
func (k SessionKind) String() string {
	switch k.Tag {
	case KindDM:
		return "dm:" + k.DMTarget
	case KindGroup:
		return "group:" + k.GroupID
	case KindCron:
		return "cron:" + k.TaskName
	default:
		return "main"
	}
}

// SessionKey identifies a session: one agent's conversation with one
// interlocutor or group, or an isolated cron run.
type SessionKey struct {
	AgentID string
	Kind    SessionKind
}

// String renders the key for lookups and logging.
func (k SessionKey) String() string {
	return k.AgentID + "/" + k.Kind.String()
}

// Slug derives the on-disk filename stem for this session, replacing path
// separators per spec §6 ("sessions/<slug>.jsonl").
func (k SessionKey) Slug() string {
	s := k.String()
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}

// TrustLevel is a totally ordered access level.
type TrustLevel int

const (
	Public TrustLevel = iota
	Familiar
	Inner
	Full
	Owner
)

func (t TrustLevel) String() string {
	switch t {
	case Owner:
		return "owner"
	case Full:
		return "full"
	case Inner:
		return "inner"
	case Familiar:
		return "familiar"
	default:
		return "public"
	}
}

// ParseTrustLevel parses the lowercase names produced by String.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return Owner, nil
	case "full":
		return Full, nil
	case "inner":
		return Inner, nil
	case "familiar":
		return Familiar, nil
	case "public":
		return Public, nil
	default:
		return Public, fmt.Errorf("models: unknown trust level %q", s)
	}
}

// Effective computes min(sender, ceiling): the access level used for
// gating in a given turn.
func Effective(sender, ceiling TrustLevel) TrustLevel {
	if sender < ceiling {
		return sender
	}
	return ceiling
}

// RouteDecision is what the Router produces for an InboundMessage.
type RouteDecision struct {
	SessionKey SessionKey
	Trust      TrustLevel
	UserName   string
}

// InjectionSource discriminates where a SessionInjection originated.
type InjectionSource struct {
	Kind       string // "cron", "session", "system"
	CronName   string
	OriginKey  SessionKey
}

func CronSource(name string) InjectionSource     { return InjectionSource{Kind: "cron", CronName: name} }
func SessionSource(k SessionKey) InjectionSource { return InjectionSource{Kind: "session", OriginKey: k} }
func SystemSource() InjectionSource              { return InjectionSource{Kind: "system"} }

// SessionInjection is an internally-originated message delivered to a
// known target session, bypassing routing but still subject to policy.
type SessionInjection struct {
	TargetSession SessionKey
	Content       string
	Trust         TrustLevel
	UserName      string
	PromptChannel string
	Source        InjectionSource
}

// CompactionState is the synthetic summary a session carries in place of
// a dropped history prefix. The full on-disk history is never mutated;
// this only affects what the provider sees.
type CompactionState struct {
	SummaryText         string
	FirstKeptMessageID  string
	TokensBeforeCompact int
	CreatedAt           time.Time
}

// Session is the in-memory (and checkpointed) state for one SessionKey.
type Session struct {
	Key              SessionKey
	History          []Message
	LastInputTokens  int
	Compaction       *CompactionState
}
