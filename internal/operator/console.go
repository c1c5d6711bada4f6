// Package operator turns live session requests into notifications for the
// person running the event, without showing the same request twice.
package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/dedup"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

// Dedup domains.
const (
	DomainBigScreen = "bigscreen"
	DomainPayment   = "payment"
)

const defaultMaxPending = 100

// Presenter shows a notification to the operator.
type Presenter interface {
	Present(n model.Notification)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(model.Notification)

func (f PresenterFunc) Present(n model.Notification) { f(n) }

// Console handles live session messages. It implements ws.Handler.
type Console struct {
	store     dedup.Store
	presenter Presenter
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	pending    []model.Notification
	maxPending int
	connected  bool
}

// NewConsole creates a Console. presenter may be nil.
func NewConsole(store dedup.Store, presenter Presenter) *Console {
	return &Console{
		store:      store,
		presenter:  presenter,
		logger:     xglog.WithComponent("operator"),
		now:        time.Now,
		maxPending: defaultMaxPending,
	}
}

func (c *Console) OnBigScreenRequest(_ context.Context, req *model.BigScreenRequest) {
	subject := req.AlbumCode
	if subject == "" {
		subject = req.RequestID
	}
	who := req.VisitorName
	if who == "" {
		who = "A visitor"
	}
	c.notify(model.MsgBigScreenRequest, DomainBigScreen, subject,
		fmt.Sprintf("%s wants album %s on the big screen", who, req.AlbumCode), req)
}

func (c *Console) OnPaymentRequest(_ context.Context, req *model.PaymentRequest) {
	subject := req.RequestID
	if subject == "" {
		subject = req.AlbumCode
	}
	title := fmt.Sprintf("Payment requested for album %s", req.AlbumCode)
	if req.Amount > 0 {
		title = fmt.Sprintf("%s (%d %s)", title, req.Amount, req.Currency)
	}
	c.notify(model.MsgPaymentRequest, DomainPayment, subject, title, req)
}

func (c *Console) OnConnected(sessionID string) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info().Str(xglog.FieldSessionID, sessionID).Msg("live session online")
}

func (c *Console) OnDisconnected(sessionID string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Info().Str(xglog.FieldSessionID, sessionID).Msg("live session offline")
}

// notify presents and records a notification unless the same subject was
// already handled in the current window.
func (c *Console) notify(kind model.MsgType, domain, subject, title string, payload any) {
	if subject == "" {
		c.logger.Warn().Str(xglog.FieldEvent, string(kind)).Msg("request without subject, dropped")
		return
	}
	if c.store.CheckAndMark(domain, subject) {
		c.logger.Debug().
			Str(xglog.FieldDomain, domain).
			Str("subject", subject).
			Msg("duplicate suppressed")
		return
	}

	n := model.Notification{
		ID:         uuid.NewString(),
		Kind:       kind,
		Subject:    subject,
		Title:      title,
		Payload:    payload,
		ReceivedAt: c.now(),
	}

	if c.presenter != nil {
		c.presenter.Present(n)
	}

	c.mu.Lock()
	c.pending = append(c.pending, n)
	if len(c.pending) > c.maxPending {
		c.pending = c.pending[len(c.pending)-c.maxPending:]
	}
	c.mu.Unlock()
}

// Pending returns a copy of the undismissed notifications, oldest first.
func (c *Console) Pending() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Notification, len(c.pending))
	copy(out, c.pending)
	return out
}

// Dismiss removes a notification. It reports whether id was pending.
func (c *Console) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.pending {
		if n.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Connected reports whether the live session channel is up.
func (c *Console) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
