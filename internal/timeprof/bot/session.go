// Package bot implements the conversation layer: per-user sessions, the
// activity prompt state machine, and the command dispatcher.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fwerpers/timeprof/common/trace"
	"github.com/fwerpers/timeprof/internal/timeprof/observability"
	"github.com/fwerpers/timeprof/internal/timeprof/sample"
	"github.com/fwerpers/timeprof/internal/timeprof/scheduler"
	"github.com/fwerpers/timeprof/internal/timeprof/user"
)

// Gateway is the outbound messaging surface the bot needs. The Matrix client
// satisfies it; tests use a fake.
type Gateway interface {
	SendText(ctx context.Context, roomID, text string) error
	LeaveRoom(ctx context.Context, roomID string) error
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	SendFile(ctx context.Context, roomID, filename, uri string) error
}

// Timers is the one-shot timer surface. The scheduler satisfies it; tests
// fire callbacks by hand.
type Timers interface {
	ScheduleAt(userID string, at time.Time, fn func())
	Cancel(userID string)
}

// Config carries the handler's collaborators. Now and NextSample exist so
// tests can pin time and interval draws; when nil the real clock and the
// exponential draw are used.
type Config struct {
	Users       *user.Store
	Samples     *sample.Log
	Timers      Timers
	Gateway     Gateway
	DefaultRate float64

	Now        func() time.Time
	NextSample func(ref time.Time, rate float64) time.Time
}

// Handler owns all conversation state transitions. Every entry point
// serializes on a per-user mutex, so a timer fire and an inbound message for
// the same user never interleave.
type Handler struct {
	users       *user.Store
	samples     *sample.Log
	timers      Timers
	gateway     Gateway
	defaultRate float64
	now         func() time.Time
	nextSample  func(time.Time, float64) time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		users:       cfg.Users,
		samples:     cfg.Samples,
		timers:      cfg.Timers,
		gateway:     cfg.Gateway,
		defaultRate: cfg.DefaultRate,
		now:         cfg.Now,
		nextSample:  cfg.NextSample,
		locks:       make(map[string]*sync.Mutex),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.nextSample == nil {
		h.nextSample = scheduler.NextAfter
	}
	return h
}

// lockUser acquires the per-user session lock and returns its release func.
func (h *Handler) lockUser(userID string) func() {
	h.mu.Lock()
	l, ok := h.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[userID] = l
	}
	h.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// arm schedules the prompt timer for rec's NextSampleTime. The due time
// travels through the closure so the callback can detect staleness after a
// reschedule.
func (h *Handler) arm(rec user.Record) {
	userID, due := rec.UserID, rec.NextSampleTime
	h.timers.ScheduleAt(userID, due, func() {
		h.HandleTimer(userID, due)
	})
}

// armShadow schedules an unpersisted follow-up fire for an outstanding
// prompt. If the user answers first, the answer path replaces this entry.
func (h *Handler) armShadow(userID string, due time.Time) {
	h.timers.ScheduleAt(userID, due, func() {
		h.HandleTimer(userID, due)
	})
}

// HandleMessage processes one inbound message from sender in roomID.
func (h *Handler) HandleMessage(ctx context.Context, sender, roomID, body string) {
	log := observability.WithTrace(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message", "user", sender, "room", roomID, "panic", r)
			_ = h.gateway.SendText(ctx, roomID, replyGenericError)
		}
	}()

	unlock := h.lockUser(sender)
	defer unlock()

	rec, err := h.users.Get(sender)
	if errors.Is(err, user.ErrNotFound) {
		log.Debug("message from unregistered user", "user", sender, "room", roomID)
		return
	}
	if err != nil {
		log.Error("load user", "user", sender, "err", err)
		return
	}
	if roomID != rec.BoundRoom && roomID != rec.PendingRoom {
		log.Debug("message in unrelated room", "user", sender, "room", roomID)
		return
	}

	msg := strings.TrimSpace(body)
	switch rec.State {
	case user.AwaitingAnswer:
		h.handleAnswer(ctx, rec, msg)
	case user.AwaitingRoomSwitch:
		h.handleSwitchReply(ctx, rec, msg)
	default:
		if reply := h.dispatch(ctx, rec, msg); reply != "" {
			h.send(ctx, rec.BoundRoom, reply)
		}
	}
}

// handleAnswer records an activity phrase against the outstanding prompt and
// draws the next interval relative to that prompt's due time, so late answers
// do not stretch the process.
func (h *Handler) handleAnswer(ctx context.Context, rec user.Record, msg string) {
	if !isActivityPhrase(msg) {
		h.send(ctx, rec.BoundRoom, replyBadActivity(msg))
		return
	}

	due := rec.NextSampleTime
	if err := h.samples.Append(rec.UserID, sample.Record{
		Timestamp: due,
		Label:     msg,
		Rate:      rec.Rate,
	}); err != nil {
		observability.WithTrace(ctx).Error("append sample", "user", rec.UserID, "err", err)
		h.send(ctx, rec.BoundRoom, replyStorageError)
		return
	}

	rec.State = user.Idle
	rec.NextSampleTime = h.nextSample(due, rec.Rate)
	if err := h.users.Put(rec); err != nil {
		observability.WithTrace(ctx).Error("persist user", "user", rec.UserID, "err", err)
		h.send(ctx, rec.BoundRoom, replyStorageError)
		return
	}
	h.send(ctx, rec.BoundRoom, replyAnswerAck)
	h.arm(rec)
}

// handleSwitchReply resolves an outstanding room-switch proposal. Only the
// exact lowercase words are accepted.
func (h *Handler) handleSwitchReply(ctx context.Context, rec user.Record, msg string) {
	log := observability.WithTrace(ctx)
	switch msg {
	case "yes":
		oldRoom, newRoom := rec.BoundRoom, rec.PendingRoom
		// A prompt that was still outstanding when the proposal arrived can
		// no longer be answered; record it as missed before the schedule
		// restarts from now.
		if !rec.NextSampleTime.After(h.now()) {
			if err := h.samples.Append(rec.UserID, sample.Record{
				Timestamp: rec.NextSampleTime,
				Label:     sample.PlaceholderLabel,
				Rate:      rec.Rate,
			}); err != nil {
				log.Error("append placeholder", "user", rec.UserID, "err", err)
				h.send(ctx, newRoom, replyStorageError)
				return
			}
		}
		rec.BoundRoom = newRoom
		rec.PendingRoom = ""
		rec.State = user.Idle
		rec.NextSampleTime = h.nextSample(h.now(), rec.Rate)
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", rec.UserID, "err", err)
			h.send(ctx, newRoom, replyStorageError)
			return
		}
		h.send(ctx, newRoom, replySwitchCommitted)
		if err := h.gateway.LeaveRoom(ctx, oldRoom); err != nil {
			log.Warn("leave old room", "room", oldRoom, "err", err)
		}
		h.arm(rec)

	case "no":
		pending := rec.PendingRoom
		rec.PendingRoom = ""
		rec.State = user.Idle
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", rec.UserID, "err", err)
			h.send(ctx, pending, replyStorageError)
			return
		}
		h.send(ctx, pending, replySwitchDeclined)
		if err := h.gateway.LeaveRoom(ctx, pending); err != nil {
			log.Warn("leave declined room", "room", pending, "err", err)
		}

	default:
		h.send(ctx, rec.PendingRoom, replyBadConfirmation(msg))
	}
}

// HandleTimer is the prompt timer callback. due is the fire time the timer
// was armed for; a fire whose due time predates the record's is stale (the
// user answered or switched rooms after it was armed) and is dropped.
func (h *Handler) HandleTimer(userID string, due time.Time) {
	ctx := trace.WithTraceID(context.Background(), trace.GenerateID())
	log := observability.WithTrace(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling timer", "user", userID, "panic", r)
		}
	}()

	unlock := h.lockUser(userID)
	defer unlock()

	rec, err := h.users.Get(userID)
	if err != nil {
		log.Debug("timer for unknown user", "user", userID, "err", err)
		return
	}
	if rec.NextSampleTime.After(due) {
		log.Debug("stale timer fire", "user", userID, "due", due, "current", rec.NextSampleTime)
		return
	}

	switch rec.State {
	case user.Idle:
		rec.State = user.AwaitingAnswer
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", userID, "err", err)
			return
		}
		h.send(ctx, rec.BoundRoom, replyPrompt)
		h.armShadow(userID, h.nextSample(due, rec.Rate))

	case user.AwaitingAnswer:
		// The previous prompt went unanswered. Record the gap and move the
		// outstanding prompt forward to this fire.
		if err := h.samples.Append(userID, sample.Record{
			Timestamp: rec.NextSampleTime,
			Label:     sample.PlaceholderLabel,
			Rate:      rec.Rate,
		}); err != nil {
			log.Error("append placeholder", "user", userID, "err", err)
			return
		}
		rec.NextSampleTime = due
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", userID, "err", err)
			return
		}
		h.send(ctx, rec.BoundRoom, replyPrompt)
		h.armShadow(userID, h.nextSample(due, rec.Rate))

	case user.AwaitingRoomSwitch:
		// No prompting mid-negotiation; the missed sample is still recorded
		// so the captured process stays honest.
		if err := h.samples.Append(userID, sample.Record{
			Timestamp: rec.NextSampleTime,
			Label:     sample.PlaceholderLabel,
			Rate:      rec.Rate,
		}); err != nil {
			log.Error("append placeholder", "user", userID, "err", err)
			return
		}
		rec.NextSampleTime = h.nextSample(due, rec.Rate)
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", userID, "err", err)
			return
		}
		h.arm(rec)
	}
}

// HandleJoined runs after the bot accepts an invite from sender into roomID.
// A new user is registered and scheduled; a known user gets a room-switch
// proposal.
func (h *Handler) HandleJoined(ctx context.Context, sender, roomID string) {
	log := observability.WithTrace(ctx)
	unlock := h.lockUser(sender)
	defer unlock()

	// A room already claimed by a different user never gets rebound; the
	// invite is a mistake or an impersonation attempt either way.
	if other, ok := h.users.FindByRoom(roomID); ok && other.UserID != sender {
		log.Warn("room already bound to another user", "room", roomID, "inviter", sender)
		return
	}
	if other, ok := h.users.FindByPendingRoom(roomID); ok && other.UserID != sender {
		log.Warn("room already pending for another user", "room", roomID, "inviter", sender)
		return
	}

	rec, err := h.users.Get(sender)
	if errors.Is(err, user.ErrNotFound) {
		rec = user.Record{
			UserID:         sender,
			BoundRoom:      roomID,
			Rate:           h.defaultRate,
			NextSampleTime: h.nextSample(h.now(), h.defaultRate),
			State:          user.Idle,
		}
		if err := h.users.Put(rec); err != nil {
			log.Error("register user", "user", sender, "err", err)
			h.send(ctx, roomID, replyStorageError)
			return
		}
		log.Info("registered user", "user", sender, "room", roomID, "rate", rec.Rate)
		h.send(ctx, roomID, replyWelcome)
		h.arm(rec)
		return
	}
	if err != nil {
		log.Error("load user", "user", sender, "err", err)
		return
	}

	if roomID == rec.BoundRoom || roomID == rec.PendingRoom {
		return
	}
	rec.PendingRoom = roomID
	rec.State = user.AwaitingRoomSwitch
	if err := h.users.Put(rec); err != nil {
		log.Error("persist user", "user", sender, "err", err)
		h.send(ctx, roomID, replyStorageError)
		return
	}
	h.send(ctx, roomID, replySwitchProposal(sender))
}

// HandleLeave runs when userID leaves or is removed from roomID. Leaving a
// pending room cancels the switch proposal; leaving the bound room
// unregisters the user entirely. Recorded samples are kept either way.
func (h *Handler) HandleLeave(ctx context.Context, userID, roomID string) {
	log := observability.WithTrace(ctx)
	unlock := h.lockUser(userID)
	defer unlock()

	rec, err := h.users.Get(userID)
	if err != nil {
		return
	}

	switch roomID {
	case rec.PendingRoom:
		rec.PendingRoom = ""
		rec.State = user.Idle
		if err := h.users.Put(rec); err != nil {
			log.Error("persist user", "user", userID, "err", err)
			return
		}
		if err := h.gateway.LeaveRoom(ctx, roomID); err != nil {
			log.Warn("leave room", "room", roomID, "err", err)
		}

	case rec.BoundRoom:
		h.timers.Cancel(userID)
		if err := h.users.Remove(userID); err != nil {
			log.Error("remove user", "user", userID, "err", err)
			return
		}
		log.Info("unregistered user", "user", userID, "room", roomID)
		if err := h.gateway.LeaveRoom(ctx, roomID); err != nil {
			log.Warn("leave room", "room", roomID, "err", err)
		}
	}
}

func (h *Handler) send(ctx context.Context, roomID, text string) {
	if err := h.gateway.SendText(ctx, roomID, text); err != nil {
		observability.WithTrace(ctx).Error("send message", "room", roomID, "err", err)
	}
}
