// Package queue defines the durable queue contract the engine's outer loop
// depends on, plus in-memory and Redis-backed adapters. Delivery is
// at-least-once: the engine must tolerate duplicates, which it does by
// deduplicating on invocation id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Enqueue after the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Delivery carries one step execution attempt. It includes enough step data
// to resume dispatch without re-reading the full plan.
type Delivery struct {
	PlanID  string `json:"planId"`
	StepID  string `json:"stepId"`
	Attempt int    `json:"attempt"`

	Tool             string          `json:"tool"`
	Action           string          `json:"action"`
	Capability       string          `json:"capability"`
	CapabilityLabel  string          `json:"capabilityLabel"`
	Labels           []string        `json:"labels,omitempty"`
	TimeoutSeconds   int             `json:"timeoutSeconds"`
	ApprovalRequired bool            `json:"approvalRequired"`
	Input            json.RawMessage `json:"input,omitempty"`
}

// Handler processes one delivery. A non-nil error nacks the message and the
// queue redelivers it.
type Handler func(ctx context.Context, d Delivery) error

// Queue is the at-least-once delivery abstraction.
type Queue interface {
	// Enqueue appends a delivery.
	Enqueue(ctx context.Context, d Delivery) error
	// Consume processes deliveries with the handler until ctx is done.
	Consume(ctx context.Context, h Handler) error
	// Close releases resources. In-flight handlers finish normally.
	Close() error
}
