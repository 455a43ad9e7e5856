// Package channel implements the gateway's Channel Loop (spec §4.8): one
// loop per transport connection, translating a Channel's inbound stream
// into routed turns and a turn's TurnEvent stream back into concrete
// outbound actions, preserving conversational order across tool
// side-effects.
package channel

import (
	"context"
	"time"

	"github.com/kestrelhq/relay/pkg/models"
)

// ActionKind discriminates the variants of OutboundAction, mirroring the
// Channel capability's consumed contract (spec §6).
type ActionKind string

const (
	ActionSendText        ActionKind = "send_text"
	ActionSendAttachment  ActionKind = "send_attachment"
	ActionReaction        ActionKind = "reaction"
	ActionTypingIndicator ActionKind = "typing_indicator"
)

// OutboundAction is one thing the channel loop asks the transport to do.
type OutboundAction struct {
	Kind ActionKind

	Target string

	// SendText / SendAttachment
	Body string

	// SendAttachment
	AttachmentBytes []byte
	AttachmentMIME  string
	Caption         string

	// Reaction
	Emoji           string
	TargetTimestamp time.Time

	// TypingIndicator
	On bool
}

func SendText(target, body string) OutboundAction {
	return OutboundAction{Kind: ActionSendText, Target: target, Body: body}
}

func SendAttachment(target string, data []byte, mime, caption string) OutboundAction {
	return OutboundAction{Kind: ActionSendAttachment, Target: target, AttachmentBytes: data, AttachmentMIME: mime, Caption: caption}
}

func Reaction(target, emoji string, targetTimestamp time.Time) OutboundAction {
	return OutboundAction{Kind: ActionReaction, Target: target, Emoji: emoji, TargetTimestamp: targetTimestamp}
}

func TypingIndicator(target string, on bool) OutboundAction {
	return OutboundAction{Kind: ActionTypingIndicator, Target: target, On: on}
}

// SendReceipt acknowledges an OutboundAction's delivery.
type SendReceipt struct {
	Delivered bool
	Detail    string
}

// Health is a Channel's self-reported connectivity state.
type Health struct {
	Connected bool
	Detail    string
}

// Channel is the consumed contract a transport (Signal, the interactive
// `chat` CLI, or an in-process IPC bridge) implements for the channel
// loop to drive (spec §6's "Channel capability").
type Channel interface {
	// Recv blocks until the next InboundMessage arrives, ctx is
	// cancelled, or the connection drops (in which case it returns an
	// error the loop treats as a disconnect worth reconnecting over).
	Recv(ctx context.Context) (models.InboundMessage, error)

	Send(ctx context.Context, action OutboundAction) (SendReceipt, error)

	Probe(ctx context.Context) Health

	// ID identifies this channel instance for logging/metrics.
	ID() string
}

// ReplyTarget derives the OutboundAction target a reply to msg should
// address: the group id for a group message, the sender id otherwise.
func ReplyTarget(msg models.InboundMessage) string {
	if msg.IsGroup {
		return msg.ChannelID
	}
	return msg.SenderID
}
