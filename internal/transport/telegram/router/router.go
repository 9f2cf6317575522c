package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgsender/internal/broadcast"
	"tgsender/internal/recipients"
	"tgsender/internal/runtime/supervisor"
	"tgsender/internal/transport"
	logx "tgsender/pkg/logx"
)

var ErrUnauthorized = errors.New("sender is not an operator")

// Engine is the slice of the broadcast engine the commands drive.
type Engine interface {
	Progress() broadcast.Progress
	Current() (broadcast.ScheduledBroadcast, bool)
	Cancel() bool
	CancelSchedule(ctx context.Context) (bool, error)
}

type Directory interface {
	Upsert(ctx context.Context, r broadcast.Recipient) (recipients.Record, error)
}

type Command struct {
	Name         string
	Description  string
	OperatorOnly bool
	Timeout      time.Duration
	Handle       HandlerFunc
}

type Request struct {
	Message transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	out transport.TextSender
}

// Reply sends text back to the chat the command came from. Failures are
// logged and otherwise ignored.
func (r *Request) Reply(ctx context.Context, text string) {
	if r.out == nil {
		return
	}
	if _, err := r.out.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type Options struct {
	Engine    Engine
	Directory Directory
	Out       transport.TextSender
	Operators []int64
	Log       logx.Logger
	Workers   int
	Location  *time.Location
}

// Router dispatches Telegram commands onto a small worker pool.
type Router struct {
	engine Engine
	dir    Directory
	out    transport.TextSender
	log    logx.Logger
	loc    *time.Location

	workers int
	jobs    chan func()

	mu        sync.RWMutex
	operators map[int64]struct{}
	commands  map[string]Command
}

func New(opts Options) *Router {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	r := &Router{
		engine:  opts.Engine,
		dir:     opts.Directory,
		out:     opts.Out,
		log:     log.With(logx.String("comp", "telegram.router")),
		loc:     loc,
		workers: workers,
		jobs:    make(chan func(), 64),
	}
	r.SetOperators(opts.Operators)
	r.register(r.builtinCommands())
	return r
}

// SetOperators replaces the operator allow-list. Safe to call during hot-reload.
func (r *Router) SetOperators(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.operators = m
	r.mu.Unlock()
}

func (r *Router) IsOperator(id int64) bool {
	r.mu.RLock()
	_, ok := r.operators[id]
	r.mu.RUnlock()
	return ok
}

func (r *Router) register(cmds []Command) {
	m := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		mws := []Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}
		if c.OperatorOnly {
			mws = append(mws, MWOperatorOnly(r.IsOperator))
		}
		mws = append(mws, MWTimeout(c.Timeout))
		c.Handle = Chain(c.Handle, mws...)
		m[c.Name] = c
	}
	r.mu.Lock()
	r.commands = m
	r.mu.Unlock()
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), 200*time.Millisecond, 5*time.Second, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := *up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()
	if !found {
		if r.out != nil {
			_, _ = r.out.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}

	rid := uuid.NewString()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", name),
	)
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Logger:  reqLog,
		out:     r.out,
	}
	job := func() { _ = cmd.Handle(ctx, req) }
	select {
	case r.jobs <- job:
	default:
		req.Reply(ctx, "busy, try again")
	}
}

// parseCommand splits "/name@bot arg1 arg2" into a lowercased name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func (r *Router) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "subscribe to broadcasts", Timeout: 10 * time.Second, Handle: r.handleStart},
		{Name: "help", Description: "list commands", Handle: r.handleHelp},
		{Name: "status", Description: "show run progress and the scheduled broadcast", OperatorOnly: true, Handle: r.handleStatus},
		{Name: "cancel", Description: "cancel the active run", OperatorOnly: true, Handle: r.handleCancel},
		{Name: "unschedule", Description: "cancel the scheduled broadcast", OperatorOnly: true, Timeout: 10 * time.Second, Handle: r.handleUnschedule},
	}
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	if r.dir == nil {
		return nil
	}
	m := req.Message
	if !m.IsPrivate {
		req.Reply(ctx, "send /start in a private chat to subscribe")
		return nil
	}
	_, err := r.dir.Upsert(ctx, broadcast.Recipient{
		ID:        strconv.FormatInt(m.ChatID, 10),
		FirstName: m.FromFirstName,
		LastName:  m.FromLastName,
		Username:  m.FromUsername,
	})
	var pe *broadcast.PersistError
	if err != nil && !errors.As(err, &pe) {
		req.Reply(ctx, "could not subscribe, try again later")
		return err
	}
	if err != nil {
		req.Logger.Warn("recipient saved in memory only", logx.Err(err))
	}
	req.Reply(ctx, "You are subscribed.")
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	operator := r.IsOperator(req.FromID)
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		if c.OperatorOnly && !operator {
			continue
		}
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "/%s - %s\n", c.Name, c.Description)
	}
	req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	req.Reply(ctx, r.statusText())
	return nil
}

func (r *Router) statusText() string {
	var b strings.Builder
	p := r.engine.Progress()
	if p.Active {
		fmt.Fprintf(&b, "Run %s: %.0f%% (%d/%d eligible, %d recipients)\n", shortID(p.RunID), p.Percent, p.Attempted, p.Eligible, p.Total)
	} else {
		b.WriteString("No active run\n")
	}
	if slot, ok := r.engine.Current(); ok {
		fmt.Fprintf(&b, "Scheduled: %s to %d recipients", slot.Due().In(r.loc).Format("2006-01-02 15:04"), len(slot.RecipientIDs))
		if slot.Definition != "" {
			fmt.Fprintf(&b, " as %q", slot.Definition)
		}
	} else {
		b.WriteString("Nothing scheduled")
	}
	return b.String()
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	if r.engine.Cancel() {
		req.Reply(ctx, "Cancelling the active run.")
	} else {
		req.Reply(ctx, "No active run.")
	}
	return nil
}

func (r *Router) handleUnschedule(ctx context.Context, req *Request) error {
	ok, err := r.engine.CancelSchedule(ctx)
	if err != nil {
		req.Logger.Warn("unschedule persisted with errors", logx.Err(err))
	}
	if ok {
		req.Reply(ctx, "Scheduled broadcast cancelled.")
	} else {
		req.Reply(ctx, "Nothing scheduled.")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
