package handlers

import (
	"context"

	"bridgerelay/queue"
	"bridgerelay/types"
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type APIStateResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Networks []string `json:"networks,omitempty"`
}

// QueueStats is the part of the mint queue the stats endpoint reads.
type QueueStats interface {
	Counts(ctx context.Context) (*queue.Counts, error)
}

// API holds what the read-only handlers need.
type API struct {
	Store    types.Store
	Queue    QueueStats
	Networks []string
	// Ping checks the backing store, nil means always healthy
	Ping func(ctx context.Context) error
}
