package discord

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"

	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
	a, err := New(Config{Token: "abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.s.Identify.Intents&discordgo.IntentsMessageContent == 0 {
		t.Fatalf("message content intent not requested")
	}
	if a.Name() != "discord" {
		t.Fatalf("name %q", a.Name())
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	rest := func(status, code int) error {
		return &discordgo.RESTError{
			Response: &http.Response{StatusCode: status},
			Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
		}
	}
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"missing permissions", rest(403, discordgo.ErrCodeMissingPermissions), transport.ErrPermissionDenied},
		{"missing access", rest(403, discordgo.ErrCodeMissingAccess), transport.ErrPermissionDenied},
		{"bare 403", rest(403, 0), transport.ErrPermissionDenied},
		{"unknown channel", rest(404, discordgo.ErrCodeUnknownChannel), transport.ErrUnknownDestination},
	}
	for _, tt := range tests {
		if got := classify(tt.in); !errors.Is(got, tt.want) {
			t.Fatalf("%s: got %v", tt.name, got)
		}
	}
	other := rest(500, 0)
	if got := classify(other); errors.Is(got, transport.ErrPermissionDenied) || errors.Is(got, transport.ErrUnknownDestination) {
		t.Fatalf("500 classified as %v", got)
	}
}

func TestOnMessageCreate(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := make(chan transport.Message, 4)
	a.out.Store((chan<- transport.Message)(out))

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "200", GuildID: "300", Content: "!schedule list",
		Author: &discordgo.User{ID: "400", Username: "bob"},
	}})
	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "2", ChannelID: "200", Content: "beep",
		Author: &discordgo.User{ID: "401", Bot: true},
	}})
	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "not-a-number", Content: "x",
		Author: &discordgo.User{ID: "402"},
	}})

	if len(out) != 1 {
		t.Fatalf("forwarded %d messages, want 1", len(out))
	}
	msg := <-out
	want := transport.Message{ID: "1", DestinationID: 200, GuildID: 300, FromID: 400, FromUsername: "bob", Text: "!schedule list", IsGroup: true}
	if msg != want {
		t.Fatalf("got %+v", msg)
	}
}

func TestFormatDestination(t *testing.T) {
	t.Parallel()
	a := &Adapter{}
	if got := a.FormatDestination(123); got != "<#123>" {
		t.Fatalf("got %q", got)
	}
}
