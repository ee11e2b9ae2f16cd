package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Bus dispatches session lifecycle events to registered hooks.
// Dispatch is synchronous and in registration order; a panicking hook is
// recovered and logged so it cannot take down the processing path.
type Bus struct {
	paymentHooks    []PaymentHook
	settlementHooks []SettlementHook
	logger          zerolog.Logger
	mu              sync.RWMutex
}

// NewBus creates an empty event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// RegisterPaymentHook adds a payment lifecycle hook.
func (b *Bus) RegisterPaymentHook(hook PaymentHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paymentHooks = append(b.paymentHooks, hook)
	b.logger.Info().Str("hook", hook.Name()).Msg("events.payment_hook_registered")
}

// RegisterSettlementHook adds a settlement outcome hook.
func (b *Bus) RegisterSettlementHook(hook SettlementHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlementHooks = append(b.settlementHooks, hook)
	b.logger.Info().Str("hook", hook.Name()).Msg("events.settlement_hook_registered")
}

// EmitPaymentDetected dispatches the event to all payment hooks.
func (b *Bus) EmitPaymentDetected(ctx context.Context, event PaymentDetectedEvent) {
	b.mu.RLock()
	hooks := b.paymentHooks
	b.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer b.recoverPanic("OnPaymentDetected", hook.Name())
			hook.OnPaymentDetected(ctx, event)
		}()
	}
}

// EmitConfirmationUpdated dispatches the event to all payment hooks.
func (b *Bus) EmitConfirmationUpdated(ctx context.Context, event ConfirmationUpdatedEvent) {
	b.mu.RLock()
	hooks := b.paymentHooks
	b.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer b.recoverPanic("OnConfirmationUpdated", hook.Name())
			hook.OnConfirmationUpdated(ctx, event)
		}()
	}
}

// EmitPaymentCompleted dispatches the event to all payment hooks.
func (b *Bus) EmitPaymentCompleted(ctx context.Context, event PaymentCompletedEvent) {
	b.mu.RLock()
	hooks := b.paymentHooks
	b.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer b.recoverPanic("OnPaymentCompleted", hook.Name())
			hook.OnPaymentCompleted(ctx, event)
		}()
	}
}

// EmitForwardCompleted dispatches the event to all settlement hooks.
func (b *Bus) EmitForwardCompleted(ctx context.Context, event ForwardCompletedEvent) {
	b.mu.RLock()
	hooks := b.settlementHooks
	b.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer b.recoverPanic("OnForwardCompleted", hook.Name())
			hook.OnForwardCompleted(ctx, event)
		}()
	}
}

// EmitForwardFailed dispatches the event to all settlement hooks.
func (b *Bus) EmitForwardFailed(ctx context.Context, event ForwardFailedEvent) {
	b.mu.RLock()
	hooks := b.settlementHooks
	b.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer b.recoverPanic("OnForwardFailed", hook.Name())
			hook.OnForwardFailed(ctx, event)
		}()
	}
}

// recoverPanic recovers from panics in hook implementations so one bad hook
// cannot crash the processor.
func (b *Bus) recoverPanic(method, hookName string) {
	if err := recover(); err != nil {
		b.logger.Error().
			Str("hook", hookName).
			Str("method", method).
			Interface("panic", err).
			Msg("events.hook_panicked")
	}
}
