// Package session implements the session registry: it creates remote control
// session records, drives their requested -> accepted|rejected -> ended
// lifecycle and pushes role-tagged notifications to both peers. It never
// touches peer connections; peers react to the notifications themselves.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/models"
)

// Notifier delivers a signaling event to one device. The signaling hub
// implements it.
type Notifier interface {
	Notify(ctx context.Context, deviceID string, t models.SignalType, payload interface{}) error
}

// TokenIssuer mints the ephemeral tokens handed to each participant.
type TokenIssuer interface {
	IssueSessionToken(sessionID, userID, deviceID, role string, ttl time.Duration) (string, error)
}

// Options configures a Registry.
type Options struct {
	TokenTTL        time.Duration
	RequestInterval time.Duration
	Logger          *zap.Logger
}

// Registry owns the session lifecycle.
type Registry struct {
	store    Store
	notifier Notifier
	tokens   TokenIssuer
	limiter  *requestLimiter
	tokenTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// Tokens are the per-role tokens produced by Accept.
type Tokens struct {
	Session       *models.Session
	CallerToken   string
	ReceiverToken string
}

func NewRegistry(store Store, notifier Notifier, tokens TokenIssuer, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		store:    store,
		notifier: notifier,
		tokens:   tokens,
		limiter:  newRequestLimiter(opts.RequestInterval),
		tokenTTL: ttl,
		log:      logger.Named("registry"),
		now:      time.Now,
	}
}

// Request creates a session in the requested state and notifies the target.
func (r *Registry) Request(ctx context.Context, from, to models.PeerIdentity, metadata map[string]string) (*models.Session, error) {
	if from.DeviceID == to.DeviceID {
		return nil, ErrSelfTarget
	}
	now := r.now()
	if !r.limiter.allow(from.DeviceID, now) {
		return nil, ErrRateLimited
	}

	sess := &models.Session{
		ID:          uuid.NewString(),
		Caller:      from,
		Receiver:    to,
		Status:      models.SessionRequested,
		Permissions: models.DefaultPermissions,
		Metadata:    metadata,
		CreatedAt:   now.UTC(),
	}
	if err := r.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	r.log.Info("session requested",
		zap.String("session_id", sess.ID),
		zap.String("caller", from.DeviceID),
		zap.String("receiver", to.DeviceID))

	r.notify(ctx, to.DeviceID, models.SignalTypeSessionRequest, models.SessionNotice{Session: sess})
	return sess, nil
}

// Accept moves a requested session to accepted, mints one token per
// participant and sends each a role-tagged session start.
func (r *Registry) Accept(ctx context.Context, id string, by models.PeerIdentity, perms *models.Permissions) (*Tokens, error) {
	var callerToken, receiverToken string

	sess, err := r.store.Update(ctx, id, func(s *models.Session) error {
		if err := checkTarget(s, by); err != nil {
			return err
		}
		if s.Receiver.UserID == "" {
			s.Receiver.UserID = by.UserID
		}
		var err error
		callerToken, err = r.tokens.IssueSessionToken(s.ID, s.Caller.UserID, s.Caller.DeviceID, string(models.RoleCaller), r.tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue caller token: %w", err)
		}
		receiverToken, err = r.tokens.IssueSessionToken(s.ID, s.Receiver.UserID, s.Receiver.DeviceID, string(models.RoleReceiver), r.tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue receiver token: %w", err)
		}

		now := r.now().UTC()
		s.Status = models.SessionAccepted
		s.AcceptedAt = &now
		if perms != nil {
			s.Permissions = *perms
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("session accepted", zap.String("session_id", sess.ID))

	start := models.SessionStart{
		SessionID:        sess.ID,
		CallerDeviceID:   sess.Caller.DeviceID,
		ReceiverDeviceID: sess.Receiver.DeviceID,
		Permissions:      sess.Permissions,
	}
	callerStart := start
	callerStart.Role = models.RoleCaller
	callerStart.Token = callerToken
	receiverStart := start
	receiverStart.Role = models.RoleReceiver
	receiverStart.Token = receiverToken

	r.notify(ctx, sess.Caller.DeviceID, models.SignalTypeSessionStart, callerStart)
	r.notify(ctx, sess.Receiver.DeviceID, models.SignalTypeSessionStart, receiverStart)

	return &Tokens{Session: sess, CallerToken: callerToken, ReceiverToken: receiverToken}, nil
}

// Reject moves a requested session to rejected and tells the requester.
func (r *Registry) Reject(ctx context.Context, id string, by models.PeerIdentity) (*models.Session, error) {
	sess, err := r.store.Update(ctx, id, func(s *models.Session) error {
		if err := checkTarget(s, by); err != nil {
			return err
		}
		now := r.now().UTC()
		s.Status = models.SessionRejected
		s.EndedAt = &now
		s.EndedBy = by.DeviceID
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("session rejected", zap.String("session_id", sess.ID))
	r.notify(ctx, sess.Caller.DeviceID, models.SignalTypeSessionRejected, models.SessionNotice{Session: sess})
	return sess, nil
}

// Complete ends an accepted session. Either participant may call it. The
// record is removed from the store once both peers have been notified.
func (r *Registry) Complete(ctx context.Context, id string, by models.PeerIdentity) (*models.Session, error) {
	sess, err := r.store.Update(ctx, id, func(s *models.Session) error {
		if !s.Caller.Is(by) && !s.Receiver.Is(by) {
			return ErrForbidden
		}
		if !s.Status.CanTransition(models.SessionEnded) {
			return fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
		}
		now := r.now().UTC()
		s.Status = models.SessionEnded
		s.EndedAt = &now
		s.EndedBy = by.DeviceID
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("session ended", zap.String("session_id", sess.ID), zap.String("by", by.DeviceID))

	notice := models.SessionNotice{Session: sess}
	r.notify(ctx, sess.Caller.DeviceID, models.SignalTypeSessionEnded, notice)
	r.notify(ctx, sess.Receiver.DeviceID, models.SignalTypeSessionEnded, notice)

	if err := r.store.Delete(ctx, sess.ID); err != nil {
		r.log.Warn("failed to remove ended session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return sess, nil
}

// Get returns a session record.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.Get(ctx, id)
}

// checkTarget applies the guards shared by accept and reject. Ownership is
// checked before status so that a stranger never learns the session state.
// A receiver recorded without a user is matched on the device alone.
func checkTarget(s *models.Session, by models.PeerIdentity) error {
	if !s.Receiver.Is(by) {
		return ErrForbidden
	}
	if s.Status != models.SessionRequested {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.Status)
	}
	return nil
}

func (r *Registry) notify(ctx context.Context, deviceID string, t models.SignalType, payload interface{}) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, deviceID, t, payload); err != nil {
		r.log.Warn("failed to notify peer",
			zap.String("device_id", deviceID),
			zap.String("event", string(t)),
			zap.Error(err))
	}
}
