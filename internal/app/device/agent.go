package device

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

const DefaultPollInterval = 2 * time.Second

// SubscribeFunc attaches a push handler for address and returns a function
// that detaches it.
type SubscribeFunc func(address string, fn func(contracts.PushPayload)) (func(), error)

type Agent struct {
	Client       *Client
	Processor    *Processor
	UserID       string
	PushAddress  string
	PollInterval time.Duration
	// Subscribe is optional; without it the agent only polls.
	Subscribe SubscribeFunc
	Logger    zerolog.Logger
}

// Run registers the device, then processes pushed and polled envelopes on a
// single goroutine until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Client.Register(ctx, a.UserID, a.PushAddress); err != nil {
		return err
	}
	a.Logger.Info().Str("user_id", a.UserID).Msg("device registered")

	pushes := make(chan contracts.PushPayload, 16)
	if a.Subscribe != nil {
		unsubscribe, err := a.Subscribe(a.PushAddress, func(p contracts.PushPayload) {
			select {
			case pushes <- p:
			default:
				// Poll still returns the pending record.
				a.Logger.Warn().Msg("push backlog full, dropping wake-up")
			}
		})
		if err != nil {
			a.Logger.Warn().Err(err).Msg("push subscription failed, polling only")
		} else {
			defer unsubscribe()
		}
	}

	interval := a.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-pushes:
			a.Processor.Process(ctx, Delivery{Envelope: p.Envelope})
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	commands, err := a.Client.Poll(ctx, a.UserID)
	if err != nil {
		if ctx.Err() == nil {
			a.Logger.Warn().Err(err).Msg("poll failed")
		}
		return
	}
	for _, c := range commands {
		if ctx.Err() != nil {
			return
		}
		a.Processor.Process(ctx, Delivery{ID: c.ID, Envelope: c.Envelope})
	}
}
