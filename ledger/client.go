// Package ledger wraps the external ledger's JSON-RPC surface behind a
// narrow interface. It carries no business logic: the settlement
// orchestrator decides what a balance or a confirmation outcome means.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrStaleHandle indicates a state-tree or token-pool handle expired between
// fetch and use, e.g. after a tree rotation. The caller must not assume
// anything was applied.
var ErrStaleHandle = errors.New("ledger: addressing handle is stale")

// ErrNoActiveHandles indicates the ledger reported no usable state tree or
// token pool for the mint.
var ErrNoActiveHandles = errors.New("ledger: no active handles for mint")

// ConfirmationStatus is the tri-state outcome of a bounded confirmation
// wait. Timeout is not a transaction failure: the submission may still land,
// so callers must branch rather than retry blindly.
type ConfirmationStatus int

const (
	// ConfirmationConfirmed means the transaction is final on the ledger.
	ConfirmationConfirmed ConfirmationStatus = iota
	// ConfirmationFailed means the ledger recorded the transaction as failed.
	ConfirmationFailed
	// ConfirmationTimeout means the wait expired with the outcome unknown.
	ConfirmationTimeout
)

// Confirmation carries the outcome of AwaitConfirmation. Err is populated
// only for ConfirmationFailed and holds the on-chain error description.
type Confirmation struct {
	Status ConfirmationStatus
	Err    string
}

// Handles are the opaque addressing tokens needed to build a compressed
// token operation for a mint.
type Handles struct {
	StateTree string `json:"stateTree"`
	TokenPool string `json:"tokenPool"`
}

// Instruction is an opaque instruction payload forwarded to the ledger
// service, which owns transaction construction and signing with the
// configured authority key.
type Instruction struct {
	Program string                 `json:"program"`
	Action  string                 `json:"action"`
	Params  map[string]interface{} `json:"params"`
}

// Client is the capability surface the settlement orchestrator consumes.
// Read-only calls are safe to retry; SubmitTransaction is not.
type Client interface {
	// GetTokenBalance returns the token balance of an account for a mint.
	GetTokenBalance(ctx context.Context, account, mint string) (int64, error)
	// GetHandles resolves the current state-tree and token-pool handles for
	// a mint. Handles may go stale between fetch and use.
	GetHandles(ctx context.Context, mint string) (Handles, error)
	// GetLatestBlockRef returns the block reference new transactions must
	// cite.
	GetLatestBlockRef(ctx context.Context) (string, error)
	// SubmitTransaction submits a transaction and returns its signature.
	// An error here means the transaction was definitely not applied.
	SubmitTransaction(ctx context.Context, blockRef string, instructions []Instruction) (string, error)
	// AwaitConfirmation blocks until the signature is final, failed, or the
	// bounded wait expires.
	AwaitConfirmation(ctx context.Context, signature string) (Confirmation, error)
}

// RPC error codes the ledger service uses for conditions the orchestrator
// must distinguish.
const (
	codeStaleHandle     = -32090
	codeNoActiveHandles = -32091
)

// RPCClient implements Client against the ledger service JSON-RPC endpoint.
type RPCClient struct {
	url          string
	authToken    string
	http         *http.Client
	nextID       atomic.Int64
	confirmWait  time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// RPCConfig represents the client configuration.
type RPCConfig struct {
	URL          string
	AuthToken    string
	Timeout      time.Duration
	ConfirmWait  time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// NewRPCClient constructs a JSON-RPC client targeting the supplied URL.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	confirmWait := cfg.ConfirmWait
	if confirmWait <= 0 {
		confirmWait = 90 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RPCClient{
		url:          strings.TrimSpace(cfg.URL),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		http:         &http.Client{Timeout: timeout},
		confirmWait:  confirmWait,
		pollInterval: poll,
		now:          now,
	}
}

// GetTokenBalance queries the token balance of an account for a mint.
func (c *RPCClient) GetTokenBalance(ctx context.Context, account, mint string) (int64, error) {
	params := map[string]string{"account": account, "mint": mint}
	var result struct {
		Amount int64 `json:"amount"`
	}
	if err := c.callRetry(ctx, "getTokenAccountBalance", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Amount, nil
}

// GetHandles fetches the state-tree and token-pool handles for a mint.
func (c *RPCClient) GetHandles(ctx context.Context, mint string) (Handles, error) {
	var result Handles
	if err := c.callRetry(ctx, "getStateTreeAndPoolInfo", []interface{}{map[string]string{"mint": mint}}, &result); err != nil {
		return Handles{}, err
	}
	if strings.TrimSpace(result.StateTree) == "" || strings.TrimSpace(result.TokenPool) == "" {
		return Handles{}, ErrNoActiveHandles
	}
	return result, nil
}

// GetLatestBlockRef fetches the block reference for transaction assembly.
func (c *RPCClient) GetLatestBlockRef(ctx context.Context) (string, error) {
	var result struct {
		Blockhash string `json:"blockhash"`
	}
	if err := c.callRetry(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Blockhash), nil
}

// SubmitTransaction posts the instruction list for assembly, signing, and
// submission. Not retried: a transport error after the request left the
// process would risk double submission.
func (c *RPCClient) SubmitTransaction(ctx context.Context, blockRef string, instructions []Instruction) (string, error) {
	payload := map[string]interface{}{
		"blockRef":     blockRef,
		"instructions": instructions,
	}
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.call(ctx, "sendTransaction", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	sig := strings.TrimSpace(result.Signature)
	if sig == "" {
		return "", fmt.Errorf("ledger: sendTransaction returned empty signature")
	}
	return sig, nil
}

// AwaitConfirmation polls the signature status until it is final, failed,
// or the configured wait expires. The returned error covers transport
// problems only; outcome ambiguity is expressed through the Confirmation.
func (c *RPCClient) AwaitConfirmation(ctx context.Context, signature string) (Confirmation, error) {
	deadline := c.now().Add(c.confirmWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.signatureStatus(ctx, signature)
		if err == nil {
			switch status.state {
			case "confirmed", "finalized":
				return Confirmation{Status: ConfirmationConfirmed}, nil
			case "failed":
				return Confirmation{Status: ConfirmationFailed, Err: status.err}, nil
			}
		} else if ctx.Err() != nil {
			return Confirmation{Status: ConfirmationTimeout}, nil
		}
		if !c.now().Before(deadline) {
			return Confirmation{Status: ConfirmationTimeout}, nil
		}
		select {
		case <-ctx.Done():
			return Confirmation{Status: ConfirmationTimeout}, nil
		case <-ticker.C:
		}
	}
}

type signatureStatus struct {
	state string
	err   string
}

func (c *RPCClient) signatureStatus(ctx context.Context, signature string) (signatureStatus, error) {
	var result struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.call(ctx, "getSignatureStatus", []interface{}{map[string]string{"signature": signature}}, &result); err != nil {
		return signatureStatus{}, err
	}
	return signatureStatus{state: strings.ToLower(strings.TrimSpace(result.Status)), err: result.Error}, nil
}

// callRetry wraps call with a short retry for read-only methods. Transient
// transport failures are retried with backoff; RPC-level errors are not.
func (c *RPCClient) callRetry(ctx context.Context, method string, params []interface{}, out interface{}) error {
	const attempts = 3
	backoff := 200 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = c.call(ctx, method, params, out)
		if lastErr == nil {
			return nil
		}
		var rpcErr *RPCError
		if errors.As(lastErr, &rpcErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// RPCError is a JSON-RPC level error returned by the ledger service.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto sentinel errors so callers can branch
// with errors.Is.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case codeStaleHandle:
		return ErrStaleHandle
	case codeNoActiveHandles:
		return ErrNoActiveHandles
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObj    `json:"error"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.http == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ Client = (*RPCClient)(nil)
