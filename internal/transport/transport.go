// Package transport abstracts a streaming LLM session: it accepts prompts,
// emits a typed ordered event stream, and supports steering (injecting a user
// turn into a live stream), in-place history compaction, and aborting.
//
// The agent runtime supervises a SessionTransport; everything above the
// runtime only sees session events and never touches the provider directly.
package transport

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// ErrAlreadyStreaming is returned by Prompt when a turn is already in flight.
// Steer never fails for this reason.
var ErrAlreadyStreaming = errors.New("transport: a prompt is already streaming")

// ErrDisposed is returned by all operations after Dispose.
var ErrDisposed = errors.New("transport: session disposed")

// MessagePart is one part of a multimodal user message.
type MessagePart struct {
	Text  string                  `json:"text,omitempty"`
	Image *providers.ImageContent `json:"image,omitempty"`
}

// SessionTransport is the contract the agent runtime supervises.
//
// Implementations must deliver events to each subscriber in emission order
// and must never call subscribers concurrently with each other for the same
// subscription.
type SessionTransport interface {
	// Prompt begins a streaming turn. Fails with ErrAlreadyStreaming if a
	// turn is in flight.
	Prompt(ctx context.Context, text string, images []providers.ImageContent) error

	// SendUserMessage is the multimodal variant used for image-only messages.
	SendUserMessage(ctx context.Context, parts []MessagePart) error

	// Steer injects an additional user turn that is woven into the current
	// stream. Never fails due to "already streaming".
	Steer(ctx context.Context, text string, images []providers.ImageContent) error

	// Compact summarizes history in place so the next prompt sees a shorter
	// transcript. Emits auto_compaction_start/auto_compaction_end.
	Compact(ctx context.Context, customInstructions string) error

	// Abort cancels any in-flight stream. Safe to call at any time.
	Abort()

	// ContextUsage reports current window usage, or nil if unknown.
	ContextUsage() *ContextUsage

	IsStreaming() bool
	IsCompacting() bool

	// Subscribe registers a listener for the ordered event stream and
	// returns a cancel function.
	Subscribe(fn func(SessionEvent)) (cancel func())

	// Dispose releases the session. The event stream terminates; all
	// further operations fail with ErrDisposed.
	Dispose()
}
