package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/pkg/models"
)

// StdioChannel backs the interactive `chat` CLI subcommand: a single
// local terminal session with no reconnection concerns (Probe always
// reports connected; there is nothing to reconnect to).
type StdioChannel struct {
	in     *bufio.Scanner
	out    io.Writer
	sender string
}

// NewStdioChannel wraps r/w as a Channel. sender is the fixed sender id
// attributed to every line read (the person at the keyboard).
func NewStdioChannel(r io.Reader, w io.Writer, sender string) *StdioChannel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StdioChannel{in: scanner, out: w, sender: sender}
}

func (c *StdioChannel) ID() string { return "stdio" }

func (c *StdioChannel) Recv(ctx context.Context) (models.InboundMessage, error) {
	for c.in.Scan() {
		line := c.in.Text()
		if line == "" {
			continue
		}
		return models.InboundMessage{
			ChannelID: router.TerminalChannelID,
			SenderID:  c.sender,
			Content:   line,
			Kind:      models.InboundText,
		}, nil
	}
	if err := c.in.Err(); err != nil {
		return models.InboundMessage{}, err
	}
	return models.InboundMessage{}, io.EOF
}

func (c *StdioChannel) Send(ctx context.Context, action OutboundAction) (SendReceipt, error) {
	switch action.Kind {
	case ActionSendText:
		if _, err := fmt.Fprintln(c.out, action.Body); err != nil {
			return SendReceipt{}, err
		}
	case ActionSendAttachment:
		if _, err := fmt.Fprintf(c.out, "[attachment %s: %s]\n", action.AttachmentMIME, action.Caption); err != nil {
			return SendReceipt{}, err
		}
	default:
		// Reactions and typing indicators have no terminal rendering.
	}
	return SendReceipt{Delivered: true}, nil
}

func (c *StdioChannel) Probe(ctx context.Context) Health {
	return Health{Connected: true}
}
