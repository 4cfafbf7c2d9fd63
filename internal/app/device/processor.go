// Package device is the relying party: it verifies signed commands, runs
// them against the local task store and reports each outcome once.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/contracts"
	"github.com/todo-1m/taskbridge/internal/platform/envelope"
)

var ErrPermissionDenied = errors.New("permission denied")

type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonSignature        Reason = "signature"
	ReasonExpired          Reason = "expired"
	ReasonPayload          Reason = "payload"
	ReasonReplayed         Reason = "replayed"
	ReasonPermissionDenied Reason = "permission-denied"
)

// VerificationError is reported to the server by Reason only.
type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string { return "envelope rejected: " + string(e.Reason) }
func (e *VerificationError) Unwrap() error { return e.Err }

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, envelope.ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, envelope.ErrExpired):
		return ReasonExpired
	case errors.Is(err, envelope.ErrPayload):
		return ReasonPayload
	default:
		return ReasonSignature
	}
}

type State string

const (
	StateExecuted State = "executed"
	StateRejected State = "rejected"
)

type Verifier interface {
	Verify(token string) (envelope.Envelope, error)
}

// Executor is the local task store. EnsureAccess runs before every command.
type Executor interface {
	EnsureAccess(ctx context.Context) error
	Execute(ctx context.Context, cmd contracts.Command) (any, error)
}

type Reporter interface {
	ReportResult(ctx context.Context, req contracts.ReportRequest) error
}

// Delivery is one envelope as received by push or poll. ID is the server's
// listing id and is only used to correlate a rejection.
type Delivery struct {
	ID       string
	Envelope string
}

type Outcome struct {
	CommandID string
	State     State
	Success   bool
	Reason    Reason
	Err       error
}

type Processor struct {
	Verifier Verifier
	Executor Executor
	Reporter Reporter
	// Replay is nil unless the replay guard is enabled.
	Replay *ReplayGuard
	Logger zerolog.Logger

	mu sync.Mutex
}

func NewProcessor(verifier Verifier, executor Executor, reporter Reporter, logger zerolog.Logger) *Processor {
	return &Processor{
		Verifier: verifier,
		Executor: executor,
		Reporter: reporter,
		Logger:   logger,
	}
}

// Process runs one delivery to a terminal state and reports it at most once.
// Calls are serialized so at most one command executes at a time. A replayed
// copy is not reported since its first execution already was. A failed
// report is logged and not retried.
func (p *Processor) Process(ctx context.Context, d Delivery) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, result := p.run(ctx, d)
	report := contracts.ReportRequest{CommandID: out.CommandID, Success: out.Success}
	if out.Success {
		raw, err := json.Marshal(result)
		if err != nil {
			out.Success = false
			out.Err = fmt.Errorf("encode result: %w", err)
			report.Success = false
		} else {
			report.Result = raw
		}
	}
	if !out.Success {
		report.Error = out.Err.Error()
	}

	log := p.Logger.With().Str("command_id", out.CommandID).Str("state", string(out.State)).Logger()
	if out.CommandID == "" {
		log.Error().Str("reason", string(out.Reason)).Msg("no trusted command id, nothing to report")
		return out
	}
	if out.Reason == ReasonReplayed {
		log.Info().Msg("duplicate delivery dropped")
		return out
	}
	if err := p.Reporter.ReportResult(ctx, report); err != nil {
		log.Error().Err(err).Msg("report result failed")
		return out
	}
	log.Info().Bool("success", out.Success).Msg("result reported")
	return out
}

func (p *Processor) run(ctx context.Context, d Delivery) (Outcome, any) {
	env, err := p.Verifier.Verify(d.Envelope)
	if err != nil {
		reason := reasonFor(err)
		return p.reject(correlationID(d, reason), reason, err), nil
	}
	if err := p.Executor.EnsureAccess(ctx); err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return Outcome{
			CommandID: env.ID,
			State:     StateRejected,
			Reason:    ReasonPermissionDenied,
			Err:       err,
		}, nil
	}
	cmd, err := contracts.DecodeCommand(env.Kind, env.Payload)
	if err != nil {
		return p.reject(env.ID, ReasonPayload, err), nil
	}
	if p.Replay != nil && !p.Replay.Admit(env.ID, env.ExpiresAt) {
		return p.reject(env.ID, ReasonReplayed, nil), nil
	}

	result, err := p.Executor.Execute(ctx, cmd)
	if err != nil {
		return Outcome{CommandID: env.ID, State: StateExecuted, Err: err}, nil
	}
	return Outcome{CommandID: env.ID, State: StateExecuted, Success: true}, result
}

func (p *Processor) reject(commandID string, reason Reason, cause error) Outcome {
	p.Logger.Warn().Str("command_id", commandID).Str("reason", string(reason)).Msg("envelope rejected")
	return Outcome{
		CommandID: commandID,
		State:     StateRejected,
		Reason:    reason,
		Err:       &VerificationError{Reason: reason, Err: cause},
	}
}

// correlationID picks the id a rejection is reported under. The listing id
// from a poll wins. A push carries only the token, so its claimed id is used
// only once the signature has been confirmed.
func correlationID(d Delivery, reason Reason) string {
	if id := strings.TrimSpace(d.ID); id != "" {
		return id
	}
	if reason == ReasonMalformed || reason == ReasonSignature {
		return ""
	}
	parts := strings.Split(d.Envelope, ".")
	if len(parts) != 3 {
		return ""
	}
	raw, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return ""
	}
	var claimed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &claimed); err != nil {
		return ""
	}
	return claimed.ID
}
