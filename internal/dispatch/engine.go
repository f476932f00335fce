// Package dispatch answers robot message events in the background: it picks
// the reply target, handles memory commands, runs the agent on a bounded pool
// and sends the answer back through POPO.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/samhotchkiss/popo-bridge/internal/agent"
	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/event"
	"github.com/samhotchkiss/popo-bridge/internal/logging"
	"github.com/samhotchkiss/popo-bridge/internal/memory"
	"github.com/samhotchkiss/popo-bridge/internal/messenger"
	"github.com/samhotchkiss/popo-bridge/internal/metrics"
)

const (
	// DefaultPoolSize is the worker count used when Options.PoolSize is unset.
	DefaultPoolSize = 64

	// MemoryClearedReply acknowledges a clear-memory command.
	MemoryClearedReply = "记忆已清除"

	failureReplyFormat = "调用智能体失败:\n%v"
	addTimeLayout      = "2006-01-02 15:04:05"
)

// Agent input names sent with every invocation.
const (
	InputMessage   = "popo_input_message"
	InputUser      = "popo_user"
	InputEventType = "popo_event_type"
	InputTo        = "popo_to"
	InputAddTime   = "popo_addtime"
	InputRawJSON   = "popo_raw_json"
)

var (
	// ErrPoolOverloaded is returned when every worker is busy.
	ErrPoolOverloaded = errors.New("dispatch pool overloaded")

	// ErrEngineClosed is returned by Dispatch after Close.
	ErrEngineClosed = errors.New("dispatch engine closed")
)

var clearMemoryCommands = []string{"@clean", "@清除记忆"}

// IsClearMemoryCommand reports whether text, trimmed, is or starts or ends
// with a clear-memory command.
func IsClearMemoryCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, command := range clearMemoryCommands {
		if trimmed == command || strings.HasPrefix(trimmed, command) || strings.HasSuffix(trimmed, command) {
			return true
		}
	}
	return false
}

// ReplyTarget returns who should receive the answer to msg.
func ReplyTarget(bot config.BotSettings, kind event.Kind, msg event.Message) string {
	if kind == event.KindGroupAt && bot.GroupReplyMethod != config.GroupReplyPrivate {
		return msg.To
	}
	return msg.From
}

// Options configures Engine.
type Options struct {
	Store     memory.Store
	Invoker   agent.Invoker
	Messenger messenger.Messenger
	Logger    logrus.FieldLogger
	PoolSize  int
	// Location interprets event addtime values. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
}

// Engine runs one unit of work per message event on an ants pool. Submission
// never blocks; a full pool is reported to the caller.
type Engine struct {
	store     memory.Store
	invoker   agent.Invoker
	messenger messenger.Messenger
	logger    logrus.FieldLogger
	location  *time.Location
	now       func() time.Time
	newID     func() string
	pool      *ants.Pool
}

// NewEngine validates opts, fills defaults and starts the worker pool.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Invoker == nil || opts.Messenger == nil {
		return nil, errors.New("dispatch engine requires a store, an invoker and a messenger")
	}

	e := &Engine{
		store:     opts.Store,
		invoker:   opts.Invoker,
		messenger: opts.Messenger,
		logger:    opts.Logger,
		location:  opts.Location,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}

	size := opts.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			e.logger.WithField("panic", p).Error("dispatch worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// PoolMetrics reports current pool occupancy.
func (e *Engine) PoolMetrics() metrics.PoolMetrics {
	return metrics.PoolMetrics{
		Capacity: e.pool.Cap(),
		Running:  e.pool.Running(),
		Free:     e.pool.Free(),
	}
}

// Close stops accepting work and waits up to timeout for running units.
func (e *Engine) Close(timeout time.Duration) error {
	return e.pool.ReleaseTimeout(timeout)
}

// Dispatch handles one parsed event for bot. It returns once the event is
// either fully handled (recalls, memory commands) or queued for the
// background agent call. Only an overloaded or closed pool is an error.
func (e *Engine) Dispatch(ctx context.Context, bot config.BotSettings, ev *event.RobotEvent) error {
	log := e.loggerFor(ctx).WithFields(logrus.Fields{
		"deployment": bot.ID,
		"event_type": string(ev.Kind()),
	})

	msg, ok := ev.Message()
	if !ok {
		metrics.RecordRecall(bot.ID)
		log.Info("recall event received; nothing to dispatch")
		return nil
	}

	log = log.WithFields(logrus.Fields{
		"message_id": msg.UUID,
		"session_id": msg.SessionID,
	})
	target := ReplyTarget(bot, ev.Kind(), msg)
	key := memory.Key(bot.ID, bot.AppKey, msg.SessionID)
	creds := messenger.Credentials{
		AppKey:             bot.AppKey,
		AppSecret:          bot.AppSecret,
		WebhookURL:         bot.WebhookURL,
		WebhookSecret:      bot.WebhookSecret,
		KeepMarkdownImages: bot.KeepMarkdownImages,
	}

	if IsClearMemoryCommand(msg.Notify) {
		metrics.RecordClearCommand(bot.ID)
		e.send(ctx, log, bot.ID, creds, target, MemoryClearedReply)
		if err := e.store.Delete(ctx, key); err != nil {
			log.WithError(err).Warn("failed to clear conversation memory")
		} else {
			log.Info("conversation memory cleared")
		}
		return nil
	}

	if bot.AutoReplyPresetMessage != "" {
		e.send(ctx, log, bot.ID, creds, target, bot.AutoReplyPresetMessage)
	}

	u := unit{
		id:     e.newID(),
		bot:    bot,
		kind:   ev.Kind(),
		msg:    msg,
		raw:    ev.Raw(),
		target: target,
		key:    key,
		creds:  creds,
	}
	unitCtx := logging.WithFields(logging.Detach(logging.WithLogger(ctx, log)), logrus.Fields{
		"unit_id":      u.id,
		"agent_app_id": bot.Agent.AppID,
		"agent_type":   string(bot.AgentType),
	})
	unitLog := logging.GetLogger(unitCtx)

	if err := e.pool.Submit(func() { e.run(unitCtx, u) }); err != nil {
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			metrics.RecordOverloaded(bot.ID)
			return fmt.Errorf("%w: %d workers busy", ErrPoolOverloaded, e.pool.Running())
		case errors.Is(err, ants.ErrPoolClosed):
			return ErrEngineClosed
		default:
			return fmt.Errorf("submit dispatch unit: %w", err)
		}
	}

	metrics.RecordDispatched(bot.ID)
	unitLog.WithField("reply_to", target).Debug("agent call queued")
	return nil
}

type unit struct {
	id     string
	bot    config.BotSettings
	kind   event.Kind
	msg    event.Message
	raw    string
	target string
	key    string
	creds  messenger.Credentials
}

func (e *Engine) run(ctx context.Context, u unit) {
	log := logging.GetLogger(ctx)
	start := e.now()

	defer func() {
		if p := recover(); p != nil {
			metrics.RecordPanic(u.bot.ID)
			e.fail(ctx, log, u, start, fmt.Errorf("%w: panic: %v", agent.ErrInvocation, p))
		}
	}()

	answer, err := e.converse(ctx, log, u)
	if err == nil {
		err = e.messenger.Send(ctx, u.creds, u.target, answer)
	}
	if err != nil {
		e.fail(ctx, log, u, start, err)
		return
	}

	metrics.RecordAgentResult(u.bot.ID, true, e.now().Sub(start))
	log.WithField("reply_to", u.target).Info("agent reply delivered")
}

// converse invokes the agent and keeps conversation memory current.
func (e *Engine) converse(ctx context.Context, log logrus.FieldLogger, u unit) (string, error) {
	inputs := map[string]any{
		InputMessage:   u.msg.Notify,
		InputUser:      u.msg.From,
		InputEventType: string(u.kind),
		InputTo:        u.msg.To,
		InputAddTime:   u.msg.AddTime,
		InputRawJSON:   u.raw,
	}
	if u.bot.AgentType == agent.TypeWorkflow {
		inputs[u.bot.WorkflowInputField] = u.msg.Notify
	}

	conversational := u.bot.AgentType.IsConversational()
	conversationID := ""
	if conversational {
		entry, err := e.store.Get(ctx, u.key)
		if err != nil {
			log.WithError(err).Warn("conversation memory unavailable; starting a new conversation")
		} else if entry != nil {
			conversationID = entry.ConversationID
		}
	}

	resp, err := e.invoker.Invoke(ctx, agent.Request{
		Type:           u.bot.AgentType,
		APIKey:         u.bot.Agent.APIKey,
		BaseURL:        u.bot.Agent.BaseURL,
		Inputs:         inputs,
		Query:          u.msg.Notify,
		ConversationID: conversationID,
		User:           u.msg.From,
		OutputField:    u.bot.WorkflowOutputField,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", agent.ErrEmptyResponse
	}

	if conversational && resp.ConversationID != "" {
		entry := memory.Entry{
			BotAccount:     u.msg.BotID,
			MessageSource:  u.msg.SessionID,
			ConversationID: resp.ConversationID,
			LastActivity:   e.activityTime(u.msg.AddTime),
		}
		if err := e.store.Put(ctx, u.key, entry); err != nil {
			log.WithError(err).Warn("failed to store conversation memory")
		}
	}

	return resp.Answer, nil
}

// fail reports err to the sender. The unit is not retried.
func (e *Engine) fail(ctx context.Context, log logrus.FieldLogger, u unit, start time.Time, err error) {
	metrics.RecordAgentResult(u.bot.ID, false, e.now().Sub(start))
	log.WithError(err).Error("agent call failed")
	e.send(ctx, log, u.bot.ID, u.creds, u.msg.From, fmt.Sprintf(failureReplyFormat, err))
}

// send delivers a message and only logs failures.
func (e *Engine) send(ctx context.Context, log logrus.FieldLogger, deployment string, creds messenger.Credentials, receiver, text string) {
	if err := e.messenger.Send(ctx, creds, receiver, text); err != nil {
		metrics.RecordDeliveryFailure(deployment)
		log.WithError(err).WithField("receiver", receiver).Warn("message delivery failed")
	}
}

// activityTime reads an event addtime, either "2006-01-02 15:04:05" in the
// engine's location or epoch milliseconds, falling back to now.
func (e *Engine) activityTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return e.now()
	}
	if t, err := time.ParseInLocation(addTimeLayout, raw, e.location); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return e.now()
}

func (e *Engine) loggerFor(ctx context.Context) logrus.FieldLogger {
	if logger, ok := logging.FromContext(ctx); ok {
		return logger
	}
	return e.logger
}
