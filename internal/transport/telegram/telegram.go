// Package telegram delivers reminders to Telegram chats and serves the
// operator commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"recurd/internal/runtime/supervisor"
	"recurd/internal/transport"
	logx "recurd/pkg/logx"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowedUsers restricts commands; empty allows everyone.
	AllowedUsers []int64
	// Offline skips the getMe call (tests, send-only setups without network at boot).
	Offline bool
}

// Commands are registered with the bot and shown in the Telegram menu.
var Commands = []tele.Command{
	{Text: "status", Description: "Scheduler and reminder status"},
	{Text: "rules", Description: "List rules"},
	{Text: "preview", Description: "Next due dates: /preview <rule> [n]"},
	{Text: "complete", Description: "Complete an occurrence: /complete <rule> [occurrence]"},
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	hmu     sync.RWMutex
	handler transport.CommandHandler
}

var _ transport.CommandSource = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram"))}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	for _, c := range Commands {
		a.bot.Handle("/"+c.Text, a.onCommand)
	}
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

// HandleCommands installs the command handler; nil disables commands.
func (a *Adapter) HandleCommands(h transport.CommandHandler) {
	a.hmu.Lock()
	a.handler = h
	a.hmu.Unlock()
}

func (a *Adapter) allowed(userID int64) bool {
	return len(a.cfg.AllowedUsers) == 0 || slices.Contains(a.cfg.AllowedUsers, userID)
}

func (a *Adapter) onCommand(c tele.Context) error {
	msg := c.Message()
	if msg == nil || c.Sender() == nil {
		return nil
	}
	if !a.allowed(c.Sender().ID) {
		a.log.Debug("command from unknown user ignored", logx.Int64("user", c.Sender().ID))
		return nil
	}
	a.hmu.RLock()
	h := a.handler
	a.hmu.RUnlock()
	if h == nil {
		return nil
	}
	cmd := parseCommand(msg.Text)
	cmd.ChatID = c.Chat().ID
	cmd.FromID = c.Sender().ID

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reply, err := h(ctx, cmd)
	if err != nil {
		reply = "error: " + err.Error()
	}
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	for _, chunk := range splitText(reply, textLimit) {
		if err := c.Send(chunk, &tele.SendOptions{ThreadID: msg.ThreadID, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// parseCommand splits "/preview@recurd_bot rule-1 5" into name and args.
func parseCommand(text string) transport.Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return transport.Command{}
	}
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	return transport.Command{Name: strings.ToLower(name), Args: fields[1:]}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	if !a.cfg.Offline {
		if err := a.bot.SetCommands(Commands); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("polling returned early")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.Target, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.ChatID == 0 {
		return transport.MessageRef{}, fmt.Errorf("telegram: no chat id: %w", transport.ErrPermanent)
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	for _, perm := range []error{tele.ErrBlockedByUser, tele.ErrChatNotFound, tele.ErrUserIsDeactivated, tele.ErrKickedFromGroup} {
		if errors.Is(err, perm) {
			return fmt.Errorf("%w: %w", transport.ErrPermanent, err)
		}
	}
	return err
}

const textLimit = 4000

// splitText cuts long messages into Telegram-sized chunks, preferring line
// breaks that do not leave tiny chunks behind.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
