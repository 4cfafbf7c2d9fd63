package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/contracts"
	"github.com/todo-1m/taskbridge/internal/platform/envelope"
	"github.com/todo-1m/taskbridge/internal/platform/metrics"
	"github.com/todo-1m/taskbridge/internal/store"
)

var (
	ErrValidation     = errors.New("invalid request")
	ErrNotRegistered  = errors.New("no registered device")
	ErrResultNotReady = errors.New("result not available yet")
)

const (
	DefaultPushTimeout = 2 * time.Second

	DispatchedMessage = "Command dispatched to device"
	NotRegisteredHint = "User must install and register the device app first"
)

type EnvelopeSigner interface {
	Sign(env envelope.Envelope) (string, envelope.Envelope, error)
}

type Service struct {
	Store       store.Store
	Signer      EnvelopeSigner
	Push        PushChannel
	PushTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Bridge
	Now         func() time.Time
	NewID       func(now time.Time) string
}

type DeviceStatus struct {
	UserID       string    `json:"userId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type StatusReport struct {
	Devices          []DeviceStatus `json:"devices"`
	PendingCommands  int            `json:"pendingCommands"`
	CompletedResults int            `json:"completedResults"`
}

type HealthReport struct {
	OK              bool `json:"ok"`
	Devices         int  `json:"devices"`
	PendingCommands int  `json:"pendingCommands"`
}

func NewService(st store.Store, signer EnvelopeSigner, push PushChannel, logger zerolog.Logger) *Service {
	if push == nil {
		push = NoopPush{}
	}
	return &Service{
		Store:       st,
		Signer:      signer,
		Push:        push,
		PushTimeout: DefaultPushTimeout,
		Logger:      logger,
		Metrics:     metrics.NewBridge(),
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       NewCommandID,
	}
}

// NewCommandID returns cmd_<unix millis of now>_<random>.
func NewCommandID(now time.Time) string {
	return fmt.Sprintf("cmd_%d_%s", now.UnixMilli(), nuid.Next())
}

// Register stores or overwrites the push address for a user id. The legacy
// apnsToken field is accepted when pushAddress is empty.
func (s *Service) Register(ctx context.Context, req contracts.RegisterRequest) (contracts.Device, error) {
	userID := strings.TrimSpace(req.UserID)
	address := strings.TrimSpace(req.PushAddress)
	if address == "" {
		address = strings.TrimSpace(req.APNSToken)
	}
	if userID == "" || address == "" {
		return contracts.Device{}, fmt.Errorf("%w: userId and pushAddress are required", ErrValidation)
	}
	device := contracts.Device{UserID: userID, PushAddress: address, RegisteredAt: s.Now()}
	if err := s.Store.PutDevice(ctx, device); err != nil {
		return contracts.Device{}, err
	}
	s.Logger.Info().Str("user_id", userID).Msg("device registered")
	return device, nil
}

// Dispatch signs a command for a registered device, records it as pending
// and then attempts a push. It returns once the push attempt settles or
// PushTimeout passes, whichever is first.
func (s *Service) Dispatch(ctx context.Context, req contracts.DispatchRequest) (contracts.DispatchResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return contracts.DispatchResponse{}, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if !req.Op.Valid() {
		return contracts.DispatchResponse{}, fmt.Errorf("%w: invalid operation: %s", ErrValidation, req.Op)
	}
	cmd, err := contracts.DecodeCommand(req.Op, req.Args)
	if err != nil {
		return contracts.DispatchResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return contracts.DispatchResponse{}, err
	}

	device, err := s.Store.GetDevice(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.DispatchResponse{}, ErrNotRegistered
		}
		return contracts.DispatchResponse{}, err
	}

	commandID := s.NewID(s.Now())
	token, stamped, err := s.Signer.Sign(envelope.Envelope{ID: commandID, Kind: req.Op, Payload: payload})
	if err != nil {
		return contracts.DispatchResponse{}, fmt.Errorf("sign envelope: %w", err)
	}

	// Recorded before the push so a fast device always finds it by polling.
	if err := s.Store.AddPending(ctx, contracts.PendingCommand{
		CommandID: commandID,
		UserID:    userID,
		Envelope:  token,
		IssuedAt:  time.Unix(stamped.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(stamped.ExpiresAt, 0).UTC(),
	}); err != nil {
		return contracts.DispatchResponse{}, fmt.Errorf("record pending: %w", err)
	}

	method := s.deliver(ctx, device.PushAddress, token).Method()
	s.Metrics.Dispatched.Inc(string(req.Op), string(method))
	s.Logger.Info().
		Str("command_id", commandID).
		Str("user_id", userID).
		Str("kind", string(req.Op)).
		Str("delivery", string(method)).
		Msg("command dispatched")

	return contracts.DispatchResponse{
		OK:             true,
		CommandID:      commandID,
		Message:        DispatchedMessage,
		DeliveryMethod: method,
	}, nil
}

func (s *Service) deliver(ctx context.Context, address, token string) DeliveryAttempt {
	timeout := s.PushTimeout
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- s.Push.Push(pushCtx, address, contracts.PushPayload{Envelope: token})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			if !errors.Is(err, ErrPushDisabled) {
				s.Logger.Warn().Err(err).Msg("push failed, falling back to polling")
			}
			return DeliveryFailed
		}
		return DeliveredProbably
	case <-timer.C:
		s.Logger.Warn().Dur("timeout", timeout).Msg("push timed out, falling back to polling")
		return DeliveryFailed
	}
}

// Poll hands every pending command for userID to the caller and removes
// them. A second poll does not see the same commands.
func (s *Service) Poll(ctx context.Context, userID string) ([]contracts.PolledCommand, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	taken, err := s.Store.TakePending(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.PolledCommand, 0, len(taken))
	for _, p := range taken {
		out = append(out, contracts.PolledCommand{ID: p.CommandID, Envelope: p.Envelope})
		s.Metrics.Polled.Inc()
	}
	if len(out) > 0 {
		s.Logger.Debug().Str("user_id", userID).Int("count", len(out)).Msg("commands polled")
	}
	return out, nil
}

// ReportResult records a device outcome. A later report for the same id
// replaces the earlier one.
func (s *Service) ReportResult(ctx context.Context, req contracts.ReportRequest) error {
	commandID := strings.TrimSpace(req.CommandID)
	if commandID == "" {
		return fmt.Errorf("%w: commandId is required", ErrValidation)
	}
	result := contracts.CommandResult{
		CommandID: commandID,
		Success:   req.Success,
		Result:    req.Result,
		Error:     req.Error,
		Timestamp: s.Now().UnixMilli(),
	}
	if err := s.Store.PutResult(ctx, result); err != nil {
		return err
	}
	s.Metrics.Results.Inc(strconv.FormatBool(req.Success))
	s.Logger.Info().Str("command_id", commandID).Bool("success", req.Success).Msg("result reported")
	return nil
}

func (s *Service) GetResult(ctx context.Context, commandID string) (contracts.CommandResult, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return contracts.CommandResult{}, fmt.Errorf("%w: commandId is required", ErrValidation)
	}
	result, err := s.Store.GetResult(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contracts.CommandResult{}, ErrResultNotReady
		}
		return contracts.CommandResult{}, err
	}
	return result, nil
}

func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	devices, err := s.Store.ListDevices(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	pending, err := s.Store.CountPending(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	results, err := s.Store.CountResults(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		Devices:          make([]DeviceStatus, 0, len(devices)),
		PendingCommands:  pending,
		CompletedResults: results,
	}
	for _, d := range devices {
		report.Devices = append(report.Devices, DeviceStatus{UserID: d.UserID, RegisteredAt: d.RegisteredAt})
	}
	return report, nil
}

func (s *Service) Health(ctx context.Context) (HealthReport, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	return HealthReport{OK: true, Devices: len(status.Devices), PendingCommands: status.PendingCommands}, nil
}

// SweepExpired drops pending records whose envelope can no longer verify.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	removed, err := s.Store.PrunePending(ctx, s.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.Logger.Info().Int("removed", removed).Msg("expired pending commands swept")
	}
	return removed, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled. A
// non-positive interval disables sweeping.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error().Err(err).Msg("sweep pending commands")
			}
		}
	}
}
