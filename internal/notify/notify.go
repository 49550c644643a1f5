// Package notify records in-app notifications and announces them on the bus.
// Delivery (mail, chat) subscribes to eventbus.NotificationCreated elsewhere.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

var ErrInvalid = errors.New("invalid notification")

// Notifier is what producers of notifications depend on.
type Notifier interface {
	Notify(ctx context.Context, n *domain.Notification) (created bool, err error)
}

type Option func(*Service)

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	store store.NotificationStore
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(st store.NotificationStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: st, log: log.With(logx.String("comp", "notify")), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Notify stores n. A notification whose DedupKey already exists is not
// stored again and reports created=false; n.ID is set to the stored row.
func (s *Service) Notify(ctx context.Context, n *domain.Notification) (bool, error) {
	if n == nil || strings.TrimSpace(n.UserID) == "" || strings.TrimSpace(n.Subject) == "" {
		return false, fmt.Errorf("%w: user and subject are required", ErrInvalid)
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	created, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return false, fmt.Errorf("store notification: %w", err)
	}
	if !created {
		s.log.Debug("notification deduplicated", logx.String("dedup_key", n.DedupKey))
		return false, nil
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.NotificationCreated, Time: n.CreatedAt, Data: *n})
	}
	s.log.Debug("notification created",
		logx.String("id", n.ID),
		logx.String("user", n.UserID),
		logx.String("type", n.Type),
		logx.String("priority", string(n.Priority)),
	)
	return true, nil
}

var _ Notifier = (*Service)(nil)
