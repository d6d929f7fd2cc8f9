// Package queue wires the customer and admin actions together: the access
// gate, the session store, the gateway and the polling controller.
package queue

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"fila-client/internal/access"
	"fila-client/internal/apperr"
	"fila-client/internal/gateway"
	"fila-client/internal/model"
	"fila-client/internal/parse"
	"fila-client/internal/poller"
	"fila-client/internal/session"
	"fila-client/internal/stats"
)

// Service runs queue actions on behalf of the local surface.
type Service struct {
	gw       gateway.Gateway
	sessions *session.Store
	gate     *access.Gate
	ctrl     *poller.Controller
	params   stats.Params

	// checkAccess runs the advisory QR check before entering a queue.
	checkAccess bool
}

// Options tune the Service.
type Options struct {
	CheckAccess bool
	Stats       stats.Params
}

// NewService creates a Service.
func NewService(gw gateway.Gateway, sessions *session.Store, gate *access.Gate, ctrl *poller.Controller, opts Options) *Service {
	if opts.Stats.MinutesPerSlot <= 0 {
		opts.Stats = stats.DefaultParams()
	}
	return &Service{
		gw:          gw,
		sessions:    sessions,
		gate:        gate,
		ctrl:        ctrl,
		params:      opts.Stats,
		checkAccess: opts.CheckAccess && gate != nil,
	}
}

// EnterRequest is a customer's request to join a queue.
type EnterRequest struct {
	BarbershopID string
	Name         string
	Phone        string
	BarberID     string
	// Access carries the visit's URL parameters for the QR check.
	Access url.Values
}

// EnterResult is what the customer sees after joining.
type EnterResult struct {
	Session              model.ClientSession `json:"session"`
	Position             int                 `json:"position"`
	Entry                model.QueueEntry    `json:"entry"`
	EstimatedWaitMinutes float64             `json:"estimatedWaitMinutes"`
}

// Enter joins the customer to a queue, stores the returned token as the
// browser's session and shows the entry provisionally until the next poll.
func (s *Service) Enter(ctx context.Context, req EnterRequest) (*EnterResult, error) {
	const op = "enter"
	shop := strings.TrimSpace(req.BarbershopID)
	if shop == "" {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: "barbershop id is required"}
	}

	if s.checkAccess {
		d := s.gate.Check(ctx, req.Access)
		if !d.Allowed || d.BarbershopID != shop {
			return nil, &apperr.Error{Kind: apperr.KindForbidden, Op: op, Message: "scan the QR code at the barbershop to join its queue"}
		}
	}

	customer, err := parse.ParseCustomer(req.Name, req.Phone)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: err.Error(), Errors: []string{err.Error()}}
	}

	res, err := s.gw.Enter(ctx, shop, gateway.EntryRequest{
		Name:     customer.Name,
		Phone:    customer.Phone,
		BarberID: req.BarberID,
	})
	if err != nil {
		return nil, err
	}

	sess := s.sessions.Issue(ctx, customer.Name, customer.Phone, shop, res.Token, 0)

	key := poller.QueueKey(shop)
	s.ctrl.ApplyProvisional(key, res.Entry)
	s.ctrl.Invalidate(key)
	s.ctrl.Invalidate(poller.DashboardKey(shop))

	log.Printf("Customer entered queue of barbershop %s at position %d", shop, res.Position)
	return &EnterResult{
		Session:              sess,
		Position:             res.Position,
		Entry:                res.Entry,
		EstimatedWaitMinutes: stats.EstimateWait(res.Position, s.params),
	}, nil
}

// SessionView is the customer's local identity plus the expiry banner level.
type SessionView struct {
	Active           bool                 `json:"active"`
	Session          *model.ClientSession `json:"session,omitempty"`
	RemainingSeconds int64                `json:"remainingSeconds"`
	Warning          session.WarningLevel `json:"warning"`
}

// Session reports the current session without contacting the backend.
func (s *Service) Session(ctx context.Context) SessionView {
	sess, ok := s.sessions.Current(ctx)
	if !ok {
		return SessionView{Warning: session.WarningNone}
	}
	remaining := s.sessions.RemainingTime(ctx)
	return SessionView{
		Active:           true,
		Session:          sess,
		RemainingSeconds: int64(remaining / time.Second),
		Warning:          session.Level(remaining),
	}
}

// StatusView is the server's view of the customer's own entry.
type StatusView struct {
	SessionView
	Entry                model.QueueEntry `json:"entry"`
	Position             int              `json:"position"`
	EstimatedWaitMinutes float64          `json:"estimatedWaitMinutes"`
}

// Status asks the backend for the customer's entry. A rejected token or a
// vanished entry ends the local session; a forbidden answer does not.
func (s *Service) Status(ctx context.Context) (*StatusView, error) {
	if _, ok := s.sessions.Current(ctx); !ok {
		return nil, &apperr.Error{Kind: apperr.KindUnauthorized, Op: "status", Message: "no active session"}
	}

	res, err := s.gw.Status(ctx)
	if err != nil {
		if apperr.KindOf(err).Terminal() {
			log.Printf("Session ended by backend: %v", err)
			s.sessions.Clear(ctx)
		}
		return nil, err
	}

	view := &StatusView{
		Entry:    res.Entry,
		Position: res.Position,
	}
	if res.Entry.Status == model.StatusWaiting {
		view.EstimatedWaitMinutes = stats.EstimateWait(res.Position, s.params)
	}
	if res.Entry.Status == model.StatusFinished || res.Entry.Status == model.StatusRemoved {
		log.Printf("Entry %s is %s; clearing session", res.Entry.ID, res.Entry.Status)
		s.sessions.Clear(ctx)
	}
	view.SessionView = s.Session(ctx)
	return view, nil
}

// Leave removes the customer from the queue and clears the session. When the
// backend no longer knows the token the session is cleared all the same.
func (s *Service) Leave(ctx context.Context) error {
	sess, ok := s.sessions.Current(ctx)
	if !ok {
		return &apperr.Error{Kind: apperr.KindUnauthorized, Op: "leave", Message: "no active session"}
	}

	if err := s.gw.Leave(ctx); err != nil && !apperr.KindOf(err).Terminal() {
		return err
	}
	s.sessions.Clear(ctx)
	s.ctrl.Invalidate(poller.QueueKey(sess.BarbershopID))
	s.ctrl.Invalidate(poller.DashboardKey(sess.BarbershopID))
	log.Printf("Customer left queue of barbershop %s", sess.BarbershopID)
	return nil
}

// Queue returns the customer-facing view of a barbershop's queue.
func (s *Service) Queue(ctx context.Context, barbershopID string) (poller.State, error) {
	return s.ctrl.Refresh(ctx, poller.QueueKey(barbershopID), false)
}

// Dashboard returns the admin view of a barbershop's queue.
func (s *Service) Dashboard(ctx context.Context, barbershopID string) (poller.State, error) {
	return s.ctrl.Refresh(ctx, poller.DashboardKey(barbershopID), false)
}

// Login authenticates an administrator.
func (s *Service) Login(ctx context.Context, email, password string) error {
	_, err := s.gw.Login(ctx, email, password)
	return err
}

// Advance calls the next customer and refreshes the dashboard.
func (s *Service) Advance(ctx context.Context, barbershopID, barberID string) (*model.QueueEntry, error) {
	entry, err := s.gw.Advance(ctx, barbershopID, barberID)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, barbershopID)
	return entry, nil
}

// Finalize completes an entry's service and refreshes the dashboard.
func (s *Service) Finalize(ctx context.Context, barbershopID, entryID string) error {
	if err := s.gw.Finalize(ctx, barbershopID, entryID); err != nil {
		return err
	}
	s.afterMutation(ctx, barbershopID)
	return nil
}

// AdminAdd adds a walk-in customer and shows it provisionally.
func (s *Service) AdminAdd(ctx context.Context, barbershopID, name, phone, barberID string) (*model.QueueEntry, error) {
	entry, err := s.gw.AdminAdd(ctx, barbershopID, gateway.EntryRequest{Name: name, Phone: phone, BarberID: barberID})
	if err != nil {
		return nil, err
	}
	s.ctrl.ApplyProvisional(poller.DashboardKey(barbershopID), *entry)
	s.afterMutation(ctx, barbershopID)
	return entry, nil
}

func (s *Service) afterMutation(ctx context.Context, barbershopID string) {
	s.ctrl.Invalidate(poller.QueueKey(barbershopID))
	if _, err := s.ctrl.Refresh(ctx, poller.DashboardKey(barbershopID), true); err != nil {
		log.Printf("Dashboard refresh after mutation failed for barbershop %s: %v", barbershopID, err)
	}
}
