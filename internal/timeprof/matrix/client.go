// Package matrix wraps the mautrix client behind the small gateway surface
// the sampler needs: text in, text/file out, invite-driven room membership.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/fwerpers/timeprof/common/retry"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history is replayed on every restart.
	DB *sql.DB
}

// Events are the inbound callbacks the bot layer registers. Any nil callback
// is skipped.
type Events struct {
	// OnMessage fires for every plain-text message from another user.
	OnMessage func(ctx context.Context, sender, roomID, body string)
	// OnJoined fires after the bot accepted an invite from sender and
	// successfully joined the room.
	OnJoined func(ctx context.Context, sender, roomID string)
	// OnLeave fires when a (non-bot) room member leaves a room the bot is in.
	OnLeave func(ctx context.Context, userID, roomID string)
}

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
	config *Config
	events Events
	stopCh chan struct{}
}

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// A persistent sync store lets the bot resume from the last known sync
	// position after a restart instead of replaying, and re-answering, old
	// room history.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
	} else {
		slog.Warn("matrix: no DB configured, sync token held in memory only (history will replay on restart)")
	}

	return c, nil
}

// Start registers the event callbacks and begins syncing in the background.
func (c *Client) Start(ctx context.Context, events Events) error {
	c.events = events

	// E2EE is not implemented; prompts and answers travel in plaintext.
	slog.Warn("matrix: E2EE is not enabled; messages are transmitted in plaintext")

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	// Sync loop with exponential back-off reconnection. Without retries a
	// transient homeserver error would silently kill the sync goroutine and
	// leave the bot deaf to every room.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — clean StopSync.
			return
		}
	}()

	return nil
}

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendText sends a plain-text message to a room, retrying transient failures.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		_, err := c.client.SendText(ctx, id.RoomID(roomID), text)
		return err
	})
	if err != nil {
		return fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return nil
}

// LeaveRoom makes the bot leave a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if _, err := c.client.LeaveRoom(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// UploadFile uploads data to the homeserver media repository and returns the
// mxc:// content URI.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	resp, err := c.client.UploadBytes(ctx, data, "text/csv")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	return resp.ContentURI.String(), nil
}

// SendFile posts a previously uploaded file into a room.
func (c *Client) SendFile(ctx context.Context, roomID, filename, uri string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    filename,
		URL:     id.ContentURIString(uri),
	}
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
		return err
	})
	if err != nil {
		return fmt.Errorf("send file to %s: %w", roomID, err)
	}
	return nil
}

// handleMessage forwards plain-text messages from other users to the bot.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	if c.events.OnMessage != nil {
		c.events.OnMessage(ctx, evt.Sender.String(), evt.RoomID.String(), msg.Body)
	}
}

// handleMembership reacts to invites addressed to the bot and to other
// members leaving.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil {
		return
	}
	stateKey := evt.GetStateKey()

	switch member.Membership {
	case event.MembershipInvite:
		if stateKey != c.config.UserID {
			return
		}
		if err := c.joinRoom(ctx, evt.RoomID); err != nil {
			slog.Error("matrix: failed to join room after invite",
				"room", evt.RoomID, "inviter", evt.Sender, "err", err)
			return
		}
		slog.Info("matrix: joined room", "room", evt.RoomID, "inviter", evt.Sender)
		if c.events.OnJoined != nil {
			c.events.OnJoined(ctx, evt.Sender.String(), evt.RoomID.String())
		}
	case event.MembershipLeave, event.MembershipBan:
		if stateKey == c.config.UserID {
			return
		}
		if c.events.OnLeave != nil {
			c.events.OnLeave(ctx, stateKey, evt.RoomID.String())
		}
	}
}

// joinRoom joins with a bounded retry; homeservers return M_FORBIDDEN when
// the bot is already a member, which counts as success.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	return retry.Do(ctx, retry.Config{Attempts: 3, Delay: time.Second}, func() error {
		_, err := c.client.JoinRoomByID(ctx, roomID)
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join forbidden (already a member?), continuing", "room", roomID)
			return nil
		}
		return err
	})
}
