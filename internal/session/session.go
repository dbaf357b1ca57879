// Package session owns the live protocol connection: the transport
// abstraction over the messaging network and the lifecycle manager that
// holds its single handle.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mkaroly/wabridge/internal/model"
)

// Transport is the protocol layer as seen by this process. The login
// outcome arrives asynchronously as an AuthSuccess or AuthFailure event on
// Events().
type Transport interface {
	Login(ctx context.Context, identity string, secret []byte) error
	SendMessage(ctx context.Context, target, body string) (whatsappMessageID string, err error)
	AckMessage(ctx context.Context, chat, sender, whatsappMessageID string) error
	AnnouncePresence(ctx context.Context) error
	SyncConfig(ctx context.Context) error
	Ready(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Manager exclusively owns the transport handle. The dispatcher sends and
// the event router acknowledges through it; neither holds its own handle.
type Manager struct {
	transport Transport
	account   *model.Account
	log       *slog.Logger

	state atomic.Int32
}

func NewManager(transport Transport, account *model.Account, log *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		account:   account,
		log:       log,
	}
}

// Connect decodes the account's credential material and issues the protocol
// login. The session is Connecting until the auth outcome event arrives.
func (m *Manager) Connect(ctx context.Context) error {
	secret, err := base64.StdEncoding.DecodeString(m.account.WhatsappPassword)
	if err != nil {
		return fmt.Errorf("decode account credential: %w", err)
	}

	m.log.Info("connecting", slog.String("identity", m.account.PhoneNumber))
	m.state.Store(int32(StateConnecting))

	if err := m.transport.Login(ctx, m.account.PhoneNumber, secret); err != nil {
		m.state.Store(int32(StateDisconnected))
		return err
	}
	return nil
}

// CompleteHandshake moves the session to Authenticated and runs the
// post-auth sequence. Called by the event router on AuthSuccess. The
// session is live the moment auth succeeds; the handshake steps are
// best-effort and a failure in them must not strand the dispatcher behind
// an un-authenticated state.
func (m *Manager) CompleteHandshake(ctx context.Context) error {
	m.state.Store(int32(StateAuthenticated))
	m.log.Info("session authenticated")

	if err := m.transport.Ready(ctx); err != nil {
		return err
	}
	if err := m.transport.SyncConfig(ctx); err != nil {
		return err
	}
	return m.transport.AnnouncePresence(ctx)
}

// MarkDisconnected records loss of the session, solicited or not. No
// reconnect is attempted here; an external supervisor restarts the process.
func (m *Manager) MarkDisconnected() {
	m.state.Store(int32(StateDisconnected))
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) Authenticated() bool {
	return m.State() == StateAuthenticated
}

func (m *Manager) SendMessage(ctx context.Context, target, body string) (string, error) {
	return m.transport.SendMessage(ctx, target, body)
}

func (m *Manager) AckMessage(ctx context.Context, chat, sender, whatsappMessageID string) error {
	return m.transport.AckMessage(ctx, chat, sender, whatsappMessageID)
}

func (m *Manager) Events() <-chan Event {
	return m.transport.Events()
}

func (m *Manager) Close() error {
	m.state.Store(int32(StateDisconnected))
	return m.transport.Close()
}
