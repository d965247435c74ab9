// Package services – CommandHandler
//
// Text commands answered in any room: ping, help and space.

package services

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-bot/internal/matrix"
	"github.com/tbourn/go-gate-bot/internal/sysutil"
	"github.com/tbourn/go-gate-bot/internal/utils"
)

const commandErrorReply = "There was an error processing your command"

// CommandHandler answers the ping, help and space commands.
type CommandHandler struct {
	Client ChatClient
	// Prefix is the primary trigger, e.g. "!gate".
	Prefix string
	// DisplayName is the bot's display name, accepted as "<name>:".
	DisplayName string
	// SupportRoom is linked by the space command.
	SupportRoom string
	Started     time.Time
	Now         func() time.Time
	Logger      zerolog.Logger
}

func (h *CommandHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// prefixes lists every accepted trigger: the configured prefix, the bot's
// localpart, display name and full user ID, each followed by a colon.
func (h *CommandHandler) prefixes() []string {
	bot := h.Client.UserID()
	out := []string{}
	if h.Prefix != "" {
		out = append(out, h.Prefix)
	}
	if local := localpart(bot); local != "" {
		out = append(out, local+":")
	}
	if h.DisplayName != "" {
		out = append(out, h.DisplayName+":")
	}
	if bot != "" {
		out = append(out, bot+":")
	}
	return out
}

// Parse extracts the command word from body, or "" if body is not addressed
// to the bot. Prefix matching ignores case.
func (h *CommandHandler) Parse(body string) string {
	trimmed := strings.TrimSpace(body)
	for _, p := range h.prefixes() {
		if len(trimmed) < len(p) || !strings.EqualFold(trimmed[:len(p)], p) {
			continue
		}
		rest := strings.TrimSpace(trimmed[len(p):])
		if rest == "" {
			return "help"
		}
		return strings.ToLower(strings.Fields(rest)[0])
	}
	return ""
}

// HandleMessage runs a command addressed to the bot. handled reports whether
// ev was a command invocation.
func (h *CommandHandler) HandleMessage(ctx context.Context, ev *matrix.Event) (handled bool, err error) {
	if ev.Type != matrix.EventTypeMessage || ev.Sender == h.Client.UserID() || ev.IsRedacted() {
		return false, nil
	}
	mc, ok := ev.Message()
	if !ok || mc.MsgType != matrix.MsgText {
		return false, nil
	}
	cmd := h.Parse(mc.Body)
	if cmd == "" {
		return false, nil
	}

	pl, err := h.Client.PowerLevels(ctx, ev.RoomID)
	if err != nil || !CanSend(pl, ev.Sender) {
		return false, nil
	}

	var reply matrix.MessageContent
	switch cmd {
	case "ping":
		reply = h.ping(ev)
	case "help":
		reply = h.help()
	case "space", "support", "room":
		reply = h.space()
	default:
		return false, nil
	}

	reply = matrix.ReplyTo(reply, ev, mc)
	if _, err := h.Client.SendMessage(ctx, ev.RoomID, reply); err != nil {
		h.Logger.Error().Err(err).Str("command", cmd).Str("room_id", ev.RoomID).Msg("command reply failed")
		fallback := matrix.ReplyTo(matrix.NewNotice(commandErrorReply), ev, mc)
		if _, ferr := h.Client.SendMessage(ctx, ev.RoomID, fallback); ferr != nil {
			h.Logger.Debug().Err(ferr).Msg("command error reply failed")
		}
		return true, err
	}
	return true, nil
}

func (h *CommandHandler) ping(ev *matrix.Event) matrix.MessageContent {
	now := h.now()
	latency := now.Sub(time.UnixMilli(ev.OriginServerTS))
	if latency < 0 {
		latency = 0
	}
	uptime := utils.HumanDuration(now.Sub(h.Started))
	lat := fmt.Sprintf("%dms", latency.Milliseconds())
	return matrix.NewHTMLNotice(
		fmt.Sprintf("Pong! Latency is %s and my uptime is %s", lat, uptime),
		fmt.Sprintf("<p>Pong! Latency is <code>%s</code> and my uptime is <code>%s</code></p>", lat, html.EscapeString(uptime)),
	)
}

func (h *CommandHandler) help() matrix.MessageContent {
	p := sysutil.FirstNonEmpty(h.Prefix, h.Client.UserID()+":")
	lines := []string{
		p + " help - Displays this menu.",
		p + " ping - Pings the bot and gives uptime.",
		p + " space - Provides a link to join the support room.",
	}
	return matrix.NewHTMLNotice(
		"Commands:\n"+strings.Join(lines, "\n"),
		"<h3>Commands</h3> <pre><code>"+html.EscapeString(strings.Join(lines, "\n"))+"</code></pre>",
	)
}

func (h *CommandHandler) space() matrix.MessageContent {
	if h.SupportRoom == "" {
		return matrix.NewNotice("No support room is configured.")
	}
	link := "https://matrix.to/#/" + h.SupportRoom
	return matrix.NewHTMLNotice(
		"Join our space here: "+link,
		`<p>Join our space here: <a href="`+html.EscapeString(link)+`">`+html.EscapeString(h.SupportRoom)+`</a></p>`,
	)
}

// localpart returns "bot" for "@bot:example.org".
func localpart(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}
