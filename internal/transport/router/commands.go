package router

import (
	"context"
	"fmt"
	"strings"

	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
)

const listContentWidth = 40

func (r *Router) builtinCommands() []Command {
	return []Command{
		{
			Route:       "schedule add",
			Description: "schedule a one-shot or recurring message",
			Usage:       `schedule add <when> | <message> [--to=<destination>]`,
			Access:      AccessAdmin,
			Handle:      r.cmdScheduleAdd,
		},
		{
			Route:       "schedule list",
			Description: "list scheduled messages",
			Usage:       "schedule list",
			Access:      AccessAdmin,
			Handle:      r.cmdScheduleList,
		},
		{
			Route:       "schedule get",
			Description: "show one scheduled message",
			Usage:       "schedule get <id>",
			Access:      AccessAdmin,
			Handle:      r.cmdScheduleGet,
		},
		{
			Route:       "schedule delete",
			Description: "delete a scheduled message",
			Usage:       "schedule delete <id>",
			Access:      AccessAdmin,
			Handle:      r.cmdScheduleDelete,
		},
		{
			Route:       "schedule edit",
			Description: "change the message and optionally the time",
			Usage:       `schedule edit <id> [--when="<when>"] <message>`,
			Access:      AccessAdmin,
			Handle:      r.cmdScheduleEdit,
		},
		{
			Route:       "schedule help",
			Description: "scheduled messages",
			Usage:       "schedule help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
		{
			Route:       "repeat daily",
			Description: "post every day at HH:MM",
			Usage:       "repeat daily <HH:MM> <message>",
			Access:      AccessAdmin,
			Handle:      r.cmdRepeatDaily,
		},
		{
			Route:       "repeat weekly",
			Description: "post every week on a weekday at HH:MM",
			Usage:       "repeat weekly <weekday> <HH:MM> <message>",
			Access:      AccessAdmin,
			Handle:      r.cmdRepeatWeekly,
		},
		{
			Route:       "repeat help",
			Description: "recurring messages",
			Usage:       "repeat help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
		{
			Route:       "help",
			Description: "show help",
			Usage:       "help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	p := r.config().Prefix
	lines := []string{
		"Commands:",
		p + `schedule add <when> | <message> [--to=<destination>]`,
		p + `schedule add "<when>" <message>`,
		p + "schedule list",
		p + "schedule get <id>",
		p + "schedule delete <id>",
		p + `schedule edit <id> [--when="<when>"] <message>`,
		p + "repeat daily <HH:MM> <message>",
		p + "repeat weekly <weekday> <HH:MM> <message>",
		"",
		"<when>: YYYY-MM-DD HH:MM | MM/DD HH:MM | today HH:MM | tomorrow HH:MM (今日/明日)",
		"        daily HH:MM | weekly <mon..sun|月..日> HH:MM | cron:<5 fields>",
		"Times are in " + r.svc.Location().String() + ".",
	}
	r.reply(ctx, req.Msg, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) usage(ctx context.Context, req *Request) error {
	r.mu.RLock()
	c := r.commands[req.Command]
	r.mu.RUnlock()
	r.reply(ctx, req.Msg, "Usage: "+r.config().Prefix+c.Usage)
	return nil
}

// destination resolves --to, defaulting to the chat the command came from.
func destination(req *Request, flags map[string]string) (int64, error) {
	to := strings.TrimSpace(flags["to"])
	if to == "" {
		return req.Msg.DestinationID, nil
	}
	id, err := parseDestination(to)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", schedule.ErrInvalidDestination, err)
	}
	return id, nil
}

func (r *Router) cmdScheduleAdd(ctx context.Context, req *Request) error {
	var (
		when, message string
		flags         map[string]string
	)
	if left, right, ok := strings.Cut(req.Raw, "|"); ok {
		var pos []string
		pos, flags, _ = parseFlags(tokenizeCommandLine(left))
		when = strings.Join(pos, " ")
		message = strings.TrimSpace(right)
		if msg, to, ok := trailingDestination(message); ok {
			message = msg
			flags["to"] = to
		}
	} else {
		var pos []string
		pos, flags, message = leadingArgs(req.Raw, 1)
		if len(pos) < 1 {
			return r.usage(ctx, req)
		}
		when = pos[0]
	}
	if when == "" || message == "" {
		return r.usage(ctx, req)
	}
	dest, err := destination(req, flags)
	if err != nil {
		return r.replyErr(ctx, req, err)
	}

	rec, err := r.svc.Create(ctx, schedule.CreateRequest{DestinationID: dest, Content: message, When: when})
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	r.reply(ctx, req.Msg, "Scheduled: ID="+rec.ID+" "+r.describeWhen(rec))
	return nil
}

func (r *Router) cmdRepeatDaily(ctx context.Context, req *Request) error {
	pos, flags, message := leadingArgs(req.Raw, 1)
	if len(pos) < 1 || message == "" {
		return r.usage(ctx, req)
	}
	expr, err := scheduler.DailySpec(pos[0])
	if err != nil {
		return r.replyErr(ctx, req, fmt.Errorf("%w: %v", schedule.ErrInvalidWhen, err))
	}
	return r.createRecurring(ctx, req, flags, expr, message)
}

func (r *Router) cmdRepeatWeekly(ctx context.Context, req *Request) error {
	pos, flags, message := leadingArgs(req.Raw, 2)
	if len(pos) < 2 || message == "" {
		return r.usage(ctx, req)
	}
	wd, err := scheduler.ParseWeekday(pos[0])
	if err != nil {
		return r.replyErr(ctx, req, fmt.Errorf("%w: %v", schedule.ErrInvalidWhen, err))
	}
	expr, err := scheduler.WeeklySpec(wd, pos[1])
	if err != nil {
		return r.replyErr(ctx, req, fmt.Errorf("%w: %v", schedule.ErrInvalidWhen, err))
	}
	return r.createRecurring(ctx, req, flags, expr, message)
}

func (r *Router) createRecurring(ctx context.Context, req *Request, flags map[string]string, expr, message string) error {
	dest, err := destination(req, flags)
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	rec, err := r.svc.CreateRecurring(ctx, dest, message, expr)
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	r.reply(ctx, req.Msg, fmt.Sprintf("Recurring post set: ID=%s cron=%q", rec.ID, rec.CronExpr))
	return nil
}

func (r *Router) cmdScheduleList(ctx context.Context, req *Request) error {
	views, err := r.svc.List(ctx)
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	if len(views) == 0 {
		r.reply(ctx, req.Msg, "No schedules.")
		return nil
	}
	lines := make([]string, 0, len(views))
	for _, v := range views {
		lines = append(lines, r.listLine(v))
	}
	r.reply(ctx, req.Msg, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdScheduleGet(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return r.usage(ctx, req)
	}
	v, err := r.svc.Get(ctx, req.Args[0])
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	lines := []string{
		"ID: " + v.ID,
		"Destination: " + r.formatDestination(v.DestinationID),
		"Kind: " + string(v.Kind),
		"When: " + r.describeWhen(v.Record),
		"Status: " + string(v.Status),
	}
	if v.Live && !v.NextFire.IsZero() {
		lines = append(lines, "Next: "+v.NextFire.In(r.svc.Location()).Format("2006-01-02 15:04"))
	}
	if !v.LastFiredAt.IsZero() {
		lines = append(lines, "Last fired: "+v.LastFiredAt.In(r.svc.Location()).Format("2006-01-02 15:04:05"))
	}
	if v.LastError != "" {
		lines = append(lines, "Last error: "+v.LastError)
	}
	lines = append(lines, "", v.Content)
	r.reply(ctx, req.Msg, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdScheduleDelete(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return r.usage(ctx, req)
	}
	ok, err := r.svc.Delete(ctx, req.Args[0])
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	if !ok {
		r.reply(ctx, req.Msg, "No schedule with that ID.")
		return nil
	}
	r.reply(ctx, req.Msg, "Deleted.")
	return nil
}

func (r *Router) cmdScheduleEdit(ctx context.Context, req *Request) error {
	pos, flags, message := leadingArgs(req.Raw, 1)
	if len(pos) < 1 {
		return r.usage(ctx, req)
	}
	var when *string
	if w, ok := flags["when"]; ok {
		when = &w
	}
	if message == "" && when == nil {
		return r.usage(ctx, req)
	}
	rec, err := r.svc.Edit(ctx, pos[0], message, when)
	if err != nil {
		return r.replyErr(ctx, req, err)
	}
	r.reply(ctx, req.Msg, "Updated: ID="+rec.ID+" "+r.describeWhen(rec))
	return nil
}

// listLine renders "ID: x | <dest> | kind | when-or-cron | status | content".
func (r *Router) listLine(v schedule.View) string {
	return strings.Join([]string{
		"ID: " + v.ID,
		r.formatDestination(v.DestinationID),
		string(v.Kind),
		r.whenField(v.Record),
		string(v.Status),
		truncateRunes(v.Content, listContentWidth),
	}, " | ")
}

func (r *Router) whenField(rec storage.Record) string {
	if rec.Kind == storage.KindRecurring {
		return rec.CronExpr
	}
	return rec.FireAt
}

func (r *Router) describeWhen(rec storage.Record) string {
	if rec.Kind == storage.KindRecurring {
		return fmt.Sprintf("cron=%q", rec.CronExpr)
	}
	loc := r.svc.Location()
	at, err := schedule.ParseStoredTime(rec.FireAt, loc)
	if err != nil {
		return rec.FireAt
	}
	return at.In(loc).Format("2006-01-02 15:04")
}

func (r *Router) formatDestination(id int64) string {
	if f, ok := r.adapter.(DestinationFormatter); ok {
		return f.FormatDestination(id)
	}
	return fmt.Sprint(id)
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
