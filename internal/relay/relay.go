// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatrelay/internal/augment"
	"github.com/jeranaias/chatrelay/internal/model"
)

// Instructor chooses the system instruction for the last turn's text.
type Instructor interface {
	SystemInstruction(ctx context.Context, text string) string
}

// Streamer opens a streamed completion.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest) (io.ReadCloser, error)
}

// Relay validates a history, augments it and opens the upstream stream.
// It holds no per-request state.
type Relay struct {
	gateway    Streamer
	instructor Instructor
}

// New creates a relay. A nil instructor always uses the default
// instruction.
func New(gateway Streamer, instructor Instructor) *Relay {
	return &Relay{gateway: gateway, instructor: instructor}
}

// Configured reports whether the gateway can be called. Gateways that do
// not report configuration are assumed ready.
func (r *Relay) Configured() bool {
	if c, ok := r.gateway.(interface{ IsConfigured() bool }); ok {
		return c.IsConfigured()
	}
	return true
}

// Open runs validation, augmentation, request building and the gateway
// call, in that order. Nothing is sent upstream when validation fails.
func (r *Relay) Open(ctx context.Context, turns []model.Turn) (io.ReadCloser, error) {
	if err := ValidateTurns(turns); err != nil {
		return nil, err
	}
	if !r.Configured() {
		return nil, ErrNotConfigured
	}

	instruction := augment.DefaultInstruction
	if r.instructor != nil {
		instruction = r.instructor.SystemInstruction(ctx, turns[len(turns)-1].Content)
	}

	log.Debug().
		Int("turns", len(turns)).
		Bool("augmented", instruction != augment.DefaultInstruction).
		Msg("RELAY_OPEN")

	return r.gateway.Stream(ctx, Build(instruction, turns))
}
