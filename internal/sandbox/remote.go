package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"rlm/internal/config"
)

// Remote executes code in an interpreter service reachable over HTTP. The
// service owns the persistent namespace; this client holds only the session
// handle it was issued on first use.
type Remote struct {
	mu        sync.Mutex
	cfg       config.RemoteEnvConfig
	client    *http.Client
	sessionID string
	torn      bool
}

type remoteExecRequest struct {
	Code string `json:"code"`
}

type remoteExecResponse struct {
	Output   string   `json:"output"`
	ErrText  string   `json:"error,omitempty"`
	VarNames []string `json:"var_names,omitempty"`
}

type remoteBindRequest struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type remoteReadResponse struct {
	Value json.RawMessage `json:"value"`
}

type remoteSessionResponse struct {
	SessionID string `json:"session_id"`
}

type remoteErrorResponse struct {
	Error string `json:"error"`
}

// remoteStatusError carries the HTTP status of a rejected (4xx) request so
// callers can branch on the code instead of the message text.
type remoteStatusError struct {
	code int
	msg  string
}

func (e *remoteStatusError) Error() string { return e.msg }

// NewRemote returns a client for the interpreter service at cfg.BaseURL.
// No connection is made until the first operation.
func NewRemote(cfg config.RemoteEnvConfig) *Remote {
	client := &http.Client{}
	if cfg.RequestTimeout > 0 {
		client.Timeout = cfg.RequestTimeout.Std()
	}
	return &Remote{cfg: cfg, client: client}
}

func (e *Remote) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torn {
		return nil, fmt.Errorf("%w: environment is torn down", ErrEnvironmentFatal)
	}
	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}

	var resp remoteExecResponse
	if err := e.call(ctx, http.MethodPost, e.sessionPath("/execute"), remoteExecRequest{Code: code}, &resp); err != nil {
		return nil, err
	}
	return &ExecutionResult{Output: resp.Output, ErrText: resp.ErrText, VarNames: resp.VarNames}, nil
}

func (e *Remote) Bind(name string, value any) error {
	if !validName(name) {
		return fmt.Errorf("bind %q: invalid identifier", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torn {
		return fmt.Errorf("%w: environment is torn down", ErrEnvironmentFatal)
	}
	ctx := context.Background()
	if err := e.ensureSession(ctx); err != nil {
		return err
	}
	return e.call(ctx, http.MethodPost, e.sessionPath("/bind"), remoteBindRequest{Name: name, Value: value}, nil)
}

func (e *Remote) Read(name string) (any, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torn {
		return nil, fmt.Errorf("%w: environment is torn down", ErrEnvironmentFatal)
	}
	ctx := context.Background()
	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}

	var resp remoteReadResponse
	err := e.call(ctx, http.MethodGet, e.sessionPath("/vars/"+name), nil, &resp)
	if err != nil {
		var serr *remoteStatusError
		if errors.As(err, &serr) && serr.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %q", ErrNameNotFound, name)
		}
		return nil, err
	}

	var value any
	if err := json.Unmarshal(resp.Value, &value); err != nil {
		return nil, fmt.Errorf("decode value of %q: %w", name, err)
	}
	return value, nil
}

func (e *Remote) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torn {
		return fmt.Errorf("%w: environment is torn down", ErrEnvironmentFatal)
	}
	if e.sessionID == "" {
		return nil
	}
	return e.call(context.Background(), http.MethodPost, e.sessionPath("/reset"), nil, nil)
}

func (e *Remote) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.torn {
		return nil
	}
	e.torn = true
	if e.sessionID == "" {
		return nil
	}
	return e.call(context.Background(), http.MethodDelete, e.sessionPath(""), nil, nil)
}

// ensureSession creates the server-side session lazily. Callers hold e.mu.
func (e *Remote) ensureSession(ctx context.Context) error {
	if e.sessionID != "" {
		return nil
	}
	var resp remoteSessionResponse
	if err := e.call(ctx, http.MethodPost, "/v1/sessions", nil, &resp); err != nil {
		return err
	}
	if resp.SessionID == "" {
		return fmt.Errorf("%w: interpreter service returned empty session id", ErrEnvironmentFatal)
	}
	e.sessionID = resp.SessionID
	return nil
}

func (e *Remote) sessionPath(suffix string) string {
	return "/v1/sessions/" + e.sessionID + suffix
}

// call performs one request against the service. Transport failures and 5xx
// responses are fatal: the session namespace on the far side can no longer
// be trusted.
func (e *Remote) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrEnvironmentFatal, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr remoteErrorResponse
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = fmt.Sprintf("%s: %s", resp.Status, apiErr.Error)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s %s: %s", ErrEnvironmentFatal, method, path, msg)
		}
		return fmt.Errorf("%s %s: %w", method, path,
			&remoteStatusError{code: resp.StatusCode, msg: msg})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrEnvironmentFatal, err)
	}
	return nil
}
