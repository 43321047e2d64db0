package instance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/auth"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/dispatch"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/events"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
)

// Notifier delivers an event synchronously.
type Notifier interface {
	Dispatch(ctx context.Context, ev events.Event) dispatch.Report
}

// TopologyApplier binds the broker queues of an instance.
type TopologyApplier interface {
	Apply(ctx context.Context, instance string, types []events.Type) error
}

type ServiceOptions struct {
	AuthType      string
	JWTSecret     string
	JWTTTL        time.Duration
	IdleMinutes   int
	BrokerEnabled bool
	// QRWait bounds how long Connect waits for the first QR code.
	QRWait time.Duration
}

type Service struct {
	registry *Registry
	repos    *repository.Repositories
	configs  Invalidator
	topology TopologyApplier
	notifier Notifier
	opts     ServiceOptions
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(registry *Registry, repos *repository.Repositories, configs Invalidator, topology TopologyApplier, notifier Notifier, opts ServiceOptions, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		registry: registry,
		repos:    repos,
		configs:  configs,
		topology: topology,
		notifier: notifier,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With(slog.String("component", "instance_service")),
	}
}

type CreateRequest struct {
	InstanceName string                   `json:"instanceName" validate:"required,max=100"`
	Token        string                   `json:"token,omitempty" validate:"omitempty,min=8,max=256"`
	Number       string                   `json:"number,omitempty" validate:"omitempty,numeric,min=8,max=20"`
	QRCode       bool                     `json:"qrcode"`
	Integration  string                   `json:"integration,omitempty"`
	Webhook      *repository.Webhook      `json:"webhook,omitempty"`
	Queue        *repository.Queue        `json:"rabbitmq,omitempty"`
	Websocket    *repository.Websocket    `json:"websocket,omitempty"`
	Settings     *repository.Settings     `json:"settings,omitempty"`
	Integrations []repository.Integration `json:"integrations,omitempty" validate:"dive"`
}

type InstanceView struct {
	InstanceName string `json:"instanceName"`
	InstanceID   string `json:"instanceId"`
	Integration  string `json:"integration"`
	Status       string `json:"status"`
}

type CreateResponse struct {
	Instance  InstanceView         `json:"instance"`
	Hash      string               `json:"hash"`
	Webhook   repository.Webhook   `json:"webhook"`
	Queue     repository.Queue     `json:"rabbitmq"`
	Websocket repository.Websocket `json:"websocket"`
	Settings  repository.Settings  `json:"settings"`
	QRCode    *events.QRCode       `json:"qrcode,omitempty"`
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// CreateInstance provisions a new instance. Storing the credential is the
// only fatal write after the session exists; on failure everything is rolled
// back.
func (s *Service) CreateInstance(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	req.InstanceName = strings.TrimSpace(req.InstanceName)
	if err := s.check(req); err != nil {
		return CreateResponse{}, err
	}
	settings := repository.Settings{}
	if req.Settings != nil {
		settings = *req.Settings
	}
	sess, err := s.registry.Create(ctx, req.InstanceName, CreateOptions{
		Integration: req.Integration,
		Number:      req.Number,
		Settings:    settings,
	})
	if err != nil {
		return CreateResponse{}, err
	}
	name := req.InstanceName
	now := time.Now().UTC()
	rec := repository.Instance{
		ID:               uuid.NewString(),
		Name:             name,
		Integration:      sess.Descriptor().Variant.String(),
		Number:           req.Number,
		ConnectionStatus: events.StateClose,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	token := req.Token
	if token == "" {
		token = strings.ToUpper(uuid.NewString())
	}
	hash, err := s.hash(name, token)
	if err == nil {
		err = s.repos.Instances.Insert(ctx, name, repository.SingletonID, rec)
	}
	if err == nil {
		err = s.repos.Tokens.Upsert(ctx, name, repository.SingletonID, repository.AuthToken{Token: token, CreatedAt: now})
	}
	if err != nil {
		if rbErr := s.registry.Remove(ctx, name); rbErr != nil {
			return CreateResponse{}, fmt.Errorf("create instance %s (rollback failed: %v): %w", name, rbErr, err)
		}
		return CreateResponse{}, fmt.Errorf("create instance %s: %w", name, err)
	}

	resp := CreateResponse{
		Instance: InstanceView{
			InstanceName: name,
			InstanceID:   rec.ID,
			Integration:  rec.Integration,
			Status:       string(sess.State()),
		},
		Hash:     hash,
		Settings: settings,
	}
	s.persist(name, "settings", s.repos.Settings.Upsert(ctx, name, repository.SingletonID, settings))
	if req.Webhook != nil {
		resp.Webhook = *req.Webhook
		s.persist(name, "webhook", s.repos.Webhooks.Upsert(ctx, name, repository.SingletonID, *req.Webhook))
	}
	if req.Queue != nil {
		resp.Queue = *req.Queue
		s.persist(name, "queue", s.repos.Queues.Upsert(ctx, name, repository.SingletonID, *req.Queue))
		s.applyTopology(ctx, name, *req.Queue)
	}
	if req.Websocket != nil {
		resp.Websocket = *req.Websocket
		s.persist(name, "websocket", s.repos.Websockets.Upsert(ctx, name, repository.SingletonID, *req.Websocket))
	}
	for _, integ := range req.Integrations {
		s.persist(name, "integration", s.repos.Integrations.Upsert(ctx, name, integ.Kind, integ))
	}
	s.invalidate(ctx, name)

	if req.QRCode {
		snap, err := s.connect(ctx, sess)
		if err != nil {
			s.logger.Warn("initial connect failed", slog.String("instance", name), slog.Any("error", err))
		}
		qr := snap.QRCode
		resp.QRCode = &qr
		resp.Instance.Status = string(snap.State)
	}
	s.registry.ScheduleIdleEviction(name, s.opts.IdleMinutes)
	s.logger.Info("instance provisioned", slog.String("instance", name))
	return resp, nil
}

func (s *Service) hash(name, token string) (string, error) {
	if s.opts.AuthType != config.AuthJWT {
		return token, nil
	}
	signed, _, err := auth.GenerateInstanceToken(name, token, s.opts.JWTSecret, s.opts.JWTTTL)
	return signed, err
}

func (s *Service) persist(name, what string, err error) {
	if err != nil {
		s.logger.Warn("persist failed", slog.String("instance", name), slog.String("config", what), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, name string) {
	if s.configs == nil {
		return
	}
	if err := s.configs.Invalidate(ctx, name); err != nil {
		s.logger.Warn("invalidate configs failed", slog.String("instance", name), slog.Any("error", err))
	}
}

func (s *Service) applyTopology(ctx context.Context, name string, q repository.Queue) {
	if s.topology == nil || !s.opts.BrokerEnabled {
		return
	}
	var types []events.Type
	if q.Enabled {
		types = events.NewSet(q.Events...).Types()
	}
	if err := s.topology.Apply(ctx, name, types); err != nil {
		s.logger.Warn("apply queue topology failed", slog.String("instance", name), slog.Any("error", err))
	}
}

func (s *Service) session(name string) (*session.Session, error) {
	sess, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return sess, nil
}

// connect starts the session and waits up to QRWait for a code or an open
// connection.
func (s *Service) connect(ctx context.Context, sess *session.Session) (session.Snapshot, error) {
	snap, err := sess.Connect(ctx)
	if err != nil {
		return snap, err
	}
	if s.opts.QRWait <= 0 {
		return snap, nil
	}
	deadline := time.NewTimer(s.opts.QRWait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for snap.State == session.StateConnecting && snap.QRCode.Code == "" && snap.QRCode.PairingCode == "" {
		select {
		case <-ctx.Done():
			return snap, nil
		case <-deadline.C:
			return snap, nil
		case <-tick.C:
			snap = sess.Snapshot()
		}
	}
	return snap, nil
}

// Connect returns the current QR code, or the state when already connected.
func (s *Service) Connect(ctx context.Context, name string) (session.Snapshot, error) {
	sess, err := s.session(name)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap, err := s.connect(ctx, sess)
	if err != nil {
		return snap, err
	}
	if snap.State != session.StateOpen {
		s.registry.ScheduleIdleEviction(name, s.opts.IdleMinutes)
	}
	return snap, nil
}

func (s *Service) ConnectionState(name string) (session.Snapshot, error) {
	sess, err := s.session(name)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) Logout(ctx context.Context, name string) error {
	sess, err := s.session(name)
	if err != nil {
		return err
	}
	return sess.Logout(ctx)
}

func (s *Service) Restart(ctx context.Context, name string) (session.Snapshot, error) {
	sess, err := s.registry.Restart(ctx, name)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Delete removes an instance that is not connected. Removal events are
// delivered before the instance's sink configuration is dropped.
func (s *Service) Delete(ctx context.Context, name string) error {
	sess, err := s.session(name)
	if err != nil {
		return err
	}
	if sess.State() == session.StateOpen {
		return fmt.Errorf("%w: %s", ErrInstanceOpen, name)
	}
	if s.notifier != nil {
		status := events.New(events.StatusInstance, name, events.StatusPayload{
			Instance: name,
			Status:   "removed",
			Reason:   events.RemovedByDelete,
		})
		remove := events.New(events.RemoveInstance, name, events.StatusPayload{Instance: name, Status: "deleted"})
		s.notifier.Dispatch(ctx, status)
		s.notifier.Dispatch(ctx, remove)
	}
	return s.registry.Remove(ctx, name)
}

// InstanceInfo merges the persisted record with the live snapshot.
type InstanceInfo struct {
	repository.Instance
	State  session.State `json:"state"`
	QRCode events.QRCode `json:"qrcode"`
}

func (s *Service) ListInstances(ctx context.Context, filter ListFilter) ([]InstanceInfo, error) {
	snaps := s.registry.List(filter)
	out := make([]InstanceInfo, 0, len(snaps))
	for _, snap := range snaps {
		rec, _, err := s.repos.Instances.Find(ctx, snap.Instance, repository.SingletonID)
		if err != nil {
			s.logger.Warn("load instance record failed", slog.String("instance", snap.Instance), slog.Any("error", err))
		}
		rec.Name = snap.Instance
		if snap.OwnerJID != "" {
			rec.OwnerJID = snap.OwnerJID
		}
		if snap.ProfileName != "" {
			rec.ProfileName = snap.ProfileName
		}
		rec.ConnectionStatus = string(snap.State)
		out = append(out, InstanceInfo{Instance: rec, State: snap.State, QRCode: snap.QRCode})
	}
	return out, nil
}

// Token returns the API key of name.
func (s *Service) Token(ctx context.Context, name string) (string, error) {
	tok, ok, err := s.repos.Tokens.Find(ctx, name, repository.SingletonID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	return tok.Token, nil
}

// VerifyToken reports whether token is the API key of name.
func (s *Service) VerifyToken(ctx context.Context, name, token string) (bool, error) {
	tok, ok, err := s.repos.Tokens.Find(ctx, name, repository.SingletonID)
	if err != nil || !ok {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(tok.Token), []byte(token)) == 1, nil
}

type targetRequest struct {
	Enabled bool
	URL     string `validate:"required_if=Enabled true"`
	Format  string `validate:"omitempty,url"`
}

func newTargetRequest(enabled bool, url string) targetRequest {
	return targetRequest{Enabled: enabled, URL: url, Format: url}
}

func (s *Service) SetWebhook(ctx context.Context, name string, cfg repository.Webhook) (repository.Webhook, error) {
	if _, err := s.session(name); err != nil {
		return repository.Webhook{}, err
	}
	if err := s.check(newTargetRequest(cfg.Enabled, cfg.URL)); err != nil {
		return repository.Webhook{}, err
	}
	cfg.Events = events.NewSet(cfg.Events...).Strings()
	if err := s.repos.Webhooks.Upsert(ctx, name, repository.SingletonID, cfg); err != nil {
		return repository.Webhook{}, err
	}
	s.invalidate(ctx, name)
	return cfg, nil
}

func (s *Service) FindWebhook(ctx context.Context, name string) (repository.Webhook, error) {
	return findConfig(ctx, s, name, s.repos.Webhooks)
}

func (s *Service) SetQueue(ctx context.Context, name string, cfg repository.Queue) (repository.Queue, error) {
	if _, err := s.session(name); err != nil {
		return repository.Queue{}, err
	}
	cfg.Events = events.NewSet(cfg.Events...).Strings()
	if err := s.repos.Queues.Upsert(ctx, name, repository.SingletonID, cfg); err != nil {
		return repository.Queue{}, err
	}
	s.applyTopology(ctx, name, cfg)
	s.invalidate(ctx, name)
	return cfg, nil
}

func (s *Service) FindQueue(ctx context.Context, name string) (repository.Queue, error) {
	return findConfig(ctx, s, name, s.repos.Queues)
}

func (s *Service) SetWebsocket(ctx context.Context, name string, cfg repository.Websocket) (repository.Websocket, error) {
	if _, err := s.session(name); err != nil {
		return repository.Websocket{}, err
	}
	cfg.Events = events.NewSet(cfg.Events...).Strings()
	if err := s.repos.Websockets.Upsert(ctx, name, repository.SingletonID, cfg); err != nil {
		return repository.Websocket{}, err
	}
	s.invalidate(ctx, name)
	return cfg, nil
}

func (s *Service) FindWebsocket(ctx context.Context, name string) (repository.Websocket, error) {
	return findConfig(ctx, s, name, s.repos.Websockets)
}

func (s *Service) SetSettings(ctx context.Context, name string, cfg repository.Settings) (repository.Settings, error) {
	sess, err := s.session(name)
	if err != nil {
		return repository.Settings{}, err
	}
	if err := s.repos.Settings.Upsert(ctx, name, repository.SingletonID, cfg); err != nil {
		return repository.Settings{}, err
	}
	sess.SetSettings(cfg)
	return cfg, nil
}

func (s *Service) FindSettings(ctx context.Context, name string) (repository.Settings, error) {
	sess, err := s.session(name)
	if err != nil {
		return repository.Settings{}, err
	}
	return sess.Settings(), nil
}

type integrationRequest struct {
	Kind   string `validate:"required,oneof=chatwoot typebot"`
	Target targetRequest
}

func (s *Service) SetIntegration(ctx context.Context, name string, cfg repository.Integration) (repository.Integration, error) {
	if _, err := s.session(name); err != nil {
		return repository.Integration{}, err
	}
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if err := s.check(integrationRequest{Kind: cfg.Kind, Target: newTargetRequest(cfg.Enabled, cfg.URL)}); err != nil {
		return repository.Integration{}, err
	}
	if err := s.repos.Integrations.Upsert(ctx, name, cfg.Kind, cfg); err != nil {
		return repository.Integration{}, err
	}
	s.invalidate(ctx, name)
	return cfg, nil
}

func (s *Service) FindIntegrations(ctx context.Context, name string) ([]repository.Integration, error) {
	if _, err := s.session(name); err != nil {
		return nil, err
	}
	return s.repos.Integrations.FindAll(ctx, name)
}

type sendTextRequest struct {
	Number string `validate:"required,max=64"`
	Text   string `validate:"required,max=65536"`
}

func (s *Service) SendText(ctx context.Context, name, number, text string) (events.MessagePayload, error) {
	sess, err := s.session(name)
	if err != nil {
		return events.MessagePayload{}, err
	}
	if err := s.check(sendTextRequest{Number: number, Text: text}); err != nil {
		return events.MessagePayload{}, err
	}
	return sess.SendText(ctx, number, text)
}

func findConfig[T any](ctx context.Context, s *Service, name string, c *repository.Collection[T]) (T, error) {
	var zero T
	if _, err := s.session(name); err != nil {
		return zero, err
	}
	doc, _, err := c.Find(ctx, name, repository.SingletonID)
	if err != nil {
		return zero, err
	}
	return doc, nil
}

// IsClientError reports whether err is caused by the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidIntegration)
}
