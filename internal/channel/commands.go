package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelhq/relay/pkg/models"
)

const commandHelpText = `Available commands:
/new     start a fresh session (clears history)
/clear   clear this session's history
/stop    cancel the in-progress turn, if any
/status  show session message count
/help    show this message`

func isSlashCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// handleSlashCommand implements spec §4.8 step 5: slash commands are
// handled synchronously against the session, without invoking the turn
// executor.
func (l *Loop) handleSlashCommand(ctx context.Context, msg models.InboundMessage) {
	target := ReplyTarget(msg)
	key, ok := l.Dispatcher.ResolveSessionKey(msg)
	if !ok {
		return
	}

	cmd := strings.Fields(strings.TrimSpace(msg.Content))[0]
	switch strings.ToLower(cmd) {
	case "/new", "/clear":
		if err := l.Store.Clear(ctx, key); err != nil {
			l.enqueueOutbound(SendText(target, "couldn't clear session: "+err.Error()))
			return
		}
		l.enqueueOutbound(SendText(target, "session cleared."))

	case "/stop":
		if l.Cancel(key.String()) {
			l.enqueueOutbound(SendText(target, "stopping the current turn."))
		} else {
			l.enqueueOutbound(SendText(target, "no turn in progress."))
		}

	case "/status":
		session, err := l.Store.Load(ctx, key)
		if err != nil {
			l.enqueueOutbound(SendText(target, "couldn't load session: "+err.Error()))
			return
		}
		l.enqueueOutbound(SendText(target, fmt.Sprintf("session %s: %d messages.", key.String(), len(session.History))))

	case "/help":
		l.enqueueOutbound(SendText(target, commandHelpText))

	default:
		l.enqueueOutbound(SendText(target, "unknown command "+cmd+". "+commandHelpText))
	}
}
