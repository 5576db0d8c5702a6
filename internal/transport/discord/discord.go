// Package discord connects the bot to a Discord gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"postbot/internal/runtime/supervisor"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const textLimit = 2000

type Config struct {
	Token string
}

type Adapter struct {
	log logx.Logger
	s   *discordgo.Session

	out     atomic.Value // chan<- transport.Message
	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
	remove  func()

	dropped atomic.Uint64
}

var (
	_ transport.Adapter = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a := &Adapter{log: log.With(logx.String("comp", "discord")), s: s}
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	msg, err := toMessage(m.Message)
	if err != nil {
		a.log.Debug("ignoring message", logx.Err(err))
		return
	}
	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		a.dropped.Add(1)
	}
}

func toMessage(m *discordgo.Message) (transport.Message, error) {
	ch, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		return transport.Message{}, fmt.Errorf("channel id %q: %w", m.ChannelID, err)
	}
	from, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		return transport.Message{}, fmt.Errorf("author id %q: %w", m.Author.ID, err)
	}
	var guild int64
	if m.GuildID != "" {
		guild, _ = strconv.ParseInt(m.GuildID, 10, 64)
	}
	return transport.Message{
		ID:            m.ID,
		DestinationID: ch,
		GuildID:       guild,
		FromID:        from,
		FromUsername:  m.Author.Username,
		Text:          m.Content,
		IsGroup:       m.GuildID != "",
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	a.remove = a.s.AddHandler(a.onMessageCreate)
	if err := a.s.Open(); err != nil {
		a.remove()
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.running = true
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	a.sup.Go("messages.drop_report", func(c context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	if a.remove != nil {
		a.remove()
		a.remove = nil
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Debug("discord supervisor stopped with error", logx.Err(err))
		}
		a.sup = nil
	}
	if err := a.s.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	a.log.Info("gateway closed")
	return nil
}

// Send posts text to a channel, splitting it at the 2000 character limit.
func (a *Adapter) Send(ctx context.Context, destinationID int64, text string) error {
	channelID := strconv.FormatInt(destinationID, 10)
	for _, chunk := range transport.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return classify(err)
		}
	}
	return nil
}

// IsAdmin reports whether the author has the Administrator permission in the
// channel the message was posted in. Direct messages have no administrators.
func (a *Adapter) IsAdmin(ctx context.Context, msg transport.Message) (bool, error) {
	if !msg.IsGroup {
		return false, nil
	}
	perms, err := a.s.UserChannelPermissions(
		strconv.FormatInt(msg.FromID, 10),
		strconv.FormatInt(msg.DestinationID, 10),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return false, classify(err)
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}

// FormatDestination renders a channel mention.
func (a *Adapter) FormatDestination(id int64) string {
	return "<#" + strconv.FormatInt(id, 10) + ">"
}

// classify maps REST failures onto transport errors.
func classify(err error) error {
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return err
	}
	if re.Message != nil {
		switch re.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return fmt.Errorf("%w: %v", transport.ErrPermissionDenied, err)
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %v", transport.ErrUnknownDestination, err)
		}
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", transport.ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", transport.ErrUnknownDestination, err)
		}
	}
	return err
}
