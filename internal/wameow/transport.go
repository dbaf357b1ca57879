// Package wameow adapts go.mau.fi/whatsmeow to the session.Transport
// interface. Protocol events are translated into typed session events and
// pushed onto a single buffered channel in arrival order.
package wameow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/mkaroly/wabridge/internal/session"
)

const eventBuffer = 256

type Transport struct {
	client *whatsmeow.Client
	phone  string
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan session.Event
}

var _ session.Transport = (*Transport)(nil)

// New builds a transport backed by the shared Postgres database: whatsmeow
// keeps its device/session material in its own tables there.
func New(ctx context.Context, db *sql.DB, phoneNumber string, log *slog.Logger) (*Transport, error) {
	container := sqlstore.NewWithDB(db, "postgres", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	t := &Transport{
		phone:  phoneNumber,
		log:    log,
		events: make(chan session.Event, eventBuffer),
	}
	t.client = whatsmeow.NewClient(device, waLog.Noop)
	t.client.AddEventHandler(t.translate)
	return t, nil
}

// Login connects using the session material in the device store. The
// account secret only gates pairing, which happens out of band; a process
// started against an unpaired device store cannot authenticate.
func (t *Transport) Login(ctx context.Context, identity string, secret []byte) error {
	if t.client.Store.ID == nil {
		return errors.New("device store holds no paired session for " + identity)
	}
	return t.client.Connect()
}

func (t *Transport) SendMessage(ctx context.Context, target, body string) (string, error) {
	jid := types.NewJID(target, types.DefaultUserServer)
	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// AckMessage marks a message read. For group messages chat is the group
// JID and sender the authoring participant; for direct messages they are
// the same JID.
func (t *Transport) AckMessage(ctx context.Context, chat, sender, whatsappMessageID string) error {
	chatJID, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("parse chat jid %q: %w", chat, err)
	}
	senderJID := chatJID
	if sender != "" && sender != chat {
		senderJID, err = types.ParseJID(sender)
		if err != nil {
			return fmt.Errorf("parse sender jid %q: %w", sender, err)
		}
	}
	return t.client.MarkRead(ctx,
		[]types.MessageID{types.MessageID(whatsappMessageID)}, time.Now(), chatJID, senderJID)
}

func (t *Transport) AnnouncePresence(ctx context.Context) error {
	return t.client.SendPresence(ctx, types.PresenceAvailable)
}

// SyncConfig and Ready are satisfied by whatsmeow itself: app state sync
// runs automatically after connect, and readiness is signaled through the
// Connected event.
func (t *Transport) SyncConfig(ctx context.Context) error { return nil }

func (t *Transport) Ready(ctx context.Context) error { return nil }

func (t *Transport) Events() <-chan session.Event {
	return t.events
}

func (t *Transport) Close() error {
	t.client.Disconnect()
	t.closeEvents()
	return nil
}

// closeEvents shuts the event channel exactly once. The write lock
// excludes every in-flight emit, so late events from the client's own
// goroutines can never hit a closed channel.
func (t *Transport) closeEvents() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

func (t *Transport) translate(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		t.emit(session.AuthSuccess{Identity: t.phone})
	case *events.LoggedOut:
		t.emit(session.AuthFailure{
			Identity: t.phone,
			Reason:   fmt.Sprintf("logged out: %v", e.Reason),
		})
	case *events.Disconnected:
		t.emit(session.Disconnected{Reason: "stream closed"})
	case *events.Message:
		t.translateMessage(e)
	case *events.Receipt:
		if e.Type != types.ReceiptTypeDelivered {
			return
		}
		for _, id := range e.MessageIDs {
			t.emit(session.DeliveryReceipt{
				Source: e.Sender.String(),
				ID:     string(id),
			})
		}
	}
}

func (t *Transport) translateMessage(e *events.Message) {
	info := e.Info

	if img := e.Message.GetImageMessage(); img != nil {
		t.emit(session.ImageReceived{
			ID:           string(info.ID),
			Source:       info.Sender.String(),
			Preview:      img.GetJPEGThumbnail(),
			URL:          img.GetURL(),
			Size:         int64(img.GetFileLength()),
			WantsReceipt: true,
			Broadcast:    info.Chat.Server == types.BroadcastServer,
		})
		return
	}

	body := e.Message.GetConversation()
	if body == "" {
		body = e.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		// Not a text payload (reaction, poll, protocol message, ...).
		return
	}

	if info.IsGroup {
		t.emit(session.GroupMessageReceived{
			ID:           string(info.ID),
			GroupID:      info.Chat.String(),
			Author:       info.Sender.String(),
			Body:         body,
			Timestamp:    info.Timestamp,
			WantsReceipt: true,
			DisplayName:  info.PushName,
		})
		return
	}

	t.emit(session.MessageReceived{
		ID:           string(info.ID),
		Source:       info.Sender.String(),
		Body:         body,
		Timestamp:    info.Timestamp,
		WantsReceipt: true,
		DisplayName:  info.PushName,
		Broadcast:    info.Chat.Server == types.BroadcastServer,
	})
}

// emit must never block whatsmeow's event dispatch; a full buffer means
// the router has stalled, and dropping with a log line beats deadlocking
// the protocol connection. Events arriving after shutdown are dropped.
func (t *Transport) emit(ev session.Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		t.log.Debug("dropping event after shutdown",
			slog.String("type", fmt.Sprintf("%T", ev)))
		return
	}

	select {
	case t.events <- ev:
	default:
		t.log.Error("event buffer full, dropping event",
			slog.String("type", fmt.Sprintf("%T", ev)))
	}
}
