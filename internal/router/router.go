// Package router translates inbound protocol events into acknowledgments,
// webhook posts, realtime publishes, and datastore updates. It is the sole
// consumer of the session's event channel, so handlers run strictly one at
// a time in arrival order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkaroly/wabridge/internal/alert"
	"github.com/mkaroly/wabridge/internal/model"
	"github.com/mkaroly/wabridge/internal/session"
	"github.com/mkaroly/wabridge/internal/sink"
	"github.com/mkaroly/wabridge/internal/store"
)

// WebhookSink is the HTTP backend surface the router posts to.
type WebhookSink interface {
	Post(ctx context.Context, path string, payload map[string]any) error
}

// RealtimeSink publishes tagged-union message bodies to the account channel.
type RealtimeSink interface {
	Publish(ctx context.Context, message any) error
}

type Router struct {
	session  *session.Manager
	store    store.Store
	webhook  WebhookSink
	realtime RealtimeSink
	alerts   alert.Reporter
	account  *model.Account
	log      *slog.Logger

	now func() time.Time
}

func New(
	sess *session.Manager,
	st store.Store,
	webhook WebhookSink,
	realtime RealtimeSink,
	alerts alert.Reporter,
	account *model.Account,
	log *slog.Logger,
) *Router {
	return &Router{
		session:  sess,
		store:    st,
		webhook:  webhook,
		realtime: realtime,
		alerts:   alerts,
		account:  account,
		log:      log,
		now:      time.Now,
	}
}

// Run drains the session's event channel until the context is cancelled or
// the channel closes. Failures inside one handler never stop the loop.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.session.Events():
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev session.Event) {
	switch e := ev.(type) {
	case session.AuthSuccess:
		r.onAuthSuccess(ctx, e)
	case session.AuthFailure:
		r.onAuthFailure(ctx, e)
	case session.Disconnected:
		r.onDisconnected(ctx, e)
	case session.MessageReceived:
		r.onMessage(ctx, e)
	case session.GroupMessageReceived:
		r.onGroupMessage(ctx, e)
	case session.ImageReceived:
		r.onImage(ctx, e)
	case session.DeliveryReceipt:
		r.onDeliveryReceipt(ctx, e)
	default:
		r.log.Warn("unhandled event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (r *Router) onAuthSuccess(ctx context.Context, e session.AuthSuccess) {
	r.log.Info("auth success", slog.String("identity", e.Identity))

	if err := r.session.CompleteHandshake(ctx); err != nil {
		r.log.Error("post-auth handshake failed", slog.Any("err", err))
	}
	r.postStatus(ctx, 1, "Connected!")
}

func (r *Router) onAuthFailure(ctx context.Context, e session.AuthFailure) {
	r.log.Error("auth failed",
		slog.String("identity", e.Identity), slog.String("reason", e.Reason))
	r.session.MarkDisconnected()
	r.post(ctx, "/wa_auth_error", map[string]any{})
}

func (r *Router) onDisconnected(ctx context.Context, e session.Disconnected) {
	r.log.Error("disconnected", slog.String("reason", e.Reason))
	r.session.MarkDisconnected()
	r.alerts.Report(ctx, "warning",
		fmt.Sprintf("Unscheduled disconnect for %s", r.account.PhoneNumber))
}

func (r *Router) onMessage(ctx context.Context, e session.MessageReceived) {
	phone := phoneNumber(e.Source)
	r.log.Debug("message received",
		slog.String("whatsapp_message_id", e.ID), slog.String("from", phone))

	seen, err := r.store.MessageExists(ctx, r.account.ID, e.ID)
	if err != nil {
		r.log.Error("dedup lookup failed", slog.String("whatsapp_message_id", e.ID), slog.Any("err", err))
		return
	}

	// The ack fires for duplicates too: the network resent because it never
	// saw our receipt.
	r.ack(ctx, e.Source, e.Source, e.ID)

	if seen {
		r.log.Warn("duplicate message", slog.String("whatsapp_message_id", e.ID))
		return
	}

	r.post(ctx, "/messages", map[string]any{
		"message": map[string]any{
			"text":                e.Body,
			"phone_number":        phone,
			"message_type":        "Text",
			"whatsapp_message_id": e.ID,
			"name":                e.DisplayName,
		},
	})
	r.publish(ctx, sink.NewTextMessage(phone, e.Body, e.DisplayName))
}

func (r *Router) onGroupMessage(ctx context.Context, e session.GroupMessageReceived) {
	r.log.Info("group message received",
		slog.String("whatsapp_message_id", e.ID), slog.String("group", e.GroupID))

	seen, err := r.store.MessageExists(ctx, r.account.ID, e.ID)
	if err != nil {
		r.log.Error("dedup lookup failed", slog.String("whatsapp_message_id", e.ID), slog.Any("err", err))
		return
	}

	r.ack(ctx, e.GroupID, e.Author, e.ID)

	if seen {
		r.log.Warn("duplicate group message", slog.String("whatsapp_message_id", e.ID))
		r.alerts.Report(ctx, "warning",
			fmt.Sprintf("Duplicate group message (%s) %s - %s", e.ID, r.account.PhoneNumber, r.account.Name))
		return
	}

	r.post(ctx, "/receive_broadcast", map[string]any{
		"message": map[string]any{
			"text":                e.Body,
			"group_jid":           e.GroupID,
			"message_type":        "Text",
			"whatsapp_message_id": e.ID,
			"name":                e.DisplayName,
			"jid":                 e.Author,
		},
	})
}

func (r *Router) onImage(ctx context.Context, e session.ImageReceived) {
	phone := phoneNumber(e.Source)
	r.log.Debug("image received", slog.String("whatsapp_message_id", e.ID))

	seen, err := r.store.MessageExists(ctx, r.account.ID, e.ID)
	if err != nil {
		r.log.Error("dedup lookup failed", slog.String("whatsapp_message_id", e.ID), slog.Any("err", err))
		return
	}

	r.ack(ctx, e.Source, e.Source, e.ID)

	if seen {
		r.log.Warn("duplicate image", slog.String("whatsapp_message_id", e.ID))
		return
	}

	r.post(ctx, "/upload", map[string]any{
		"message": map[string]any{
			"url":                 e.URL,
			"message_type":        "Image",
			"phone_number":        phone,
			"whatsapp_message_id": e.ID,
			"name":                "",
		},
	})
	r.publish(ctx, sink.NewImageMessage(phone, e.URL))
}

func (r *Router) onDeliveryReceipt(ctx context.Context, e session.DeliveryReceipt) {
	r.log.Debug("delivery receipt",
		slog.String("whatsapp_message_id", e.ID), slog.String("from", e.Source))

	job, err := r.store.SentJobByWhatsappMessageID(ctx, r.account.ID, e.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		r.log.Error("receipt job lookup failed", slog.String("whatsapp_message_id", e.ID), slog.Any("err", err))
		return
	}

	if job.Method == model.MethodSendMessage && job.MessageID != nil {
		msg, err := r.store.MessageByID(ctx, r.account.ID, *job.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			// The correlated row is gone; the job itself is still delivered.
			r.log.Warn("receipt for job without stored message", slog.Int64("job_id", job.ID))
			r.markJobDelivered(ctx, job.ID)
			return
		}
		if err != nil {
			r.log.Error("receipt message lookup failed", slog.Int64("job_id", job.ID), slog.Any("err", err))
			return
		}

		if err := r.store.ConfirmMessageReceipt(ctx, r.account.ID, job.ID, msg.ID, r.now()); err != nil {
			r.log.Error("receipt confirmation failed", slog.Int64("job_id", job.ID), slog.Any("err", err))
			return
		}

		r.post(ctx, "/receipt", map[string]any{
			"receipt": map[string]any{"message_id": msg.ID},
		})
		r.publish(ctx, sink.NewReceiptMessage(msg.ID))
		return
	}

	r.markJobDelivered(ctx, job.ID)

	// Only broadcast-style jobs report per-recipient receipts; a sendMessage
	// job with no correlated message has nothing to tell the backend.
	if job.Method == model.MethodSendMessage {
		return
	}
	r.post(ctx, "/broadcast_receipt", map[string]any{
		"receipt": map[string]any{
			"message_id":   e.ID,
			"phone_number": phoneNumber(e.Source),
		},
	})
}

func (r *Router) markJobDelivered(ctx context.Context, jobID int64) {
	if err := r.store.MarkJobDelivered(ctx, r.account.ID, jobID); err != nil {
		r.log.Error("receipt job update failed", slog.Int64("job_id", jobID), slog.Any("err", err))
	}
}

// PostStatus reports the session's connected state to the backend. Exposed
// so process shutdown can report status 0.
func (r *Router) PostStatus(ctx context.Context, status int, message string) {
	r.postStatus(ctx, status, message)
}

func (r *Router) postStatus(ctx context.Context, status int, message string) {
	r.log.Info("setting status", slog.Int("status", status))
	r.post(ctx, "/status", map[string]any{
		"status":  status,
		"message": message,
	})
}

// Sink calls are at-most-once: a failure is logged and the event is still
// considered handled.

func (r *Router) post(ctx context.Context, path string, payload map[string]any) {
	if err := r.webhook.Post(ctx, path, payload); err != nil {
		r.log.Error("webhook post failed", slog.String("path", path), slog.Any("err", err))
	}
}

func (r *Router) publish(ctx context.Context, message any) {
	if err := r.realtime.Publish(ctx, message); err != nil {
		r.log.Error("realtime publish failed", slog.Any("err", err))
	}
}

// Acks are best-effort and never block webhook delivery.
func (r *Router) ack(ctx context.Context, chat, sender, whatsappMessageID string) {
	if err := r.session.AckMessage(ctx, chat, sender, whatsappMessageID); err != nil {
		r.log.Error("ack failed",
			slog.String("whatsapp_message_id", whatsappMessageID), slog.Any("err", err))
	}
}

func phoneNumber(jid string) string {
	return strings.SplitN(jid, "@", 2)[0]
}
