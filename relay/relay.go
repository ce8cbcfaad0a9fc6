// Package relay talks to the sponsored-call relay service (Gelato API shape).
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// task states reported by the relay
const (
	StateCheckPending           = "CheckPending"
	StateExecPending            = "ExecPending"
	StateWaitingForConfirmation = "WaitingForConfirmation"
	StateExecSuccess            = "ExecSuccess"
	StateExecReverted           = "ExecReverted"
	StateCancelled              = "Cancelled"
)

type SponsoredCallRequest struct {
	ChainID *big.Int
	Target  common.Address
	Data    []byte
}

type TaskStatus struct {
	TaskID          string `json:"taskId"`
	ChainID         int64  `json:"chainId"`
	TaskState       string `json:"taskState"`
	TransactionHash string `json:"transactionHash,omitempty"`
	LastCheckMsg    string `json:"lastCheckMessage,omitempty"`
}

// Relayer is what the worker and reconciler need from the relay service.
type Relayer interface {
	SponsoredCall(ctx context.Context, req SponsoredCallRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type sponsoredCallBody struct {
	ChainID       string `json:"chainId"`
	Target        string `json:"target"`
	Data          string `json:"data"`
	SponsorAPIKey string `json:"sponsorApiKey"`
}

type apiError struct {
	Message string `json:"message"`
}

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay responded %d: %s", e.Code, e.Message)
}

func (c *Client) SponsoredCall(ctx context.Context, req SponsoredCallRequest) (string, error) {
	if req.ChainID == nil {
		return "", errors.New("sponsored call without chain id")
	}
	body, err := json.Marshal(sponsoredCallBody{
		ChainID:       req.ChainID.String(),
		Target:        req.Target.Hex(),
		Data:          hexutil.Encode(req.Data),
		SponsorAPIKey: c.apiKey,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, "/relays/v2/sponsored-call", body, &resp); err != nil {
		return "", fmt.Errorf("sponsored call to %s on chain %s: %w", req.Target.Hex(), req.ChainID, err)
	}
	if resp.TaskID == "" {
		return "", errors.New("relay returned empty task id")
	}
	return resp.TaskID, nil
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	if taskID == "" {
		return nil, errors.New("empty task id")
	}
	var resp struct {
		Task *TaskStatus `json:"task"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/status/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, fmt.Errorf("task status %s: %w", taskID, err)
	}
	if resp.Task == nil {
		return nil, fmt.Errorf("task status %s: missing task in response", taskID)
	}
	return resp.Task, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		if ae.Message == "" {
			ae.Message = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: res.StatusCode, Message: ae.Message}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cannot unmarshal relay response: %w", err)
	}
	return nil
}
