// Package httpsync is a JSON-over-HTTP transport binding for syncmgr: a
// server that exposes a RemoteResolver/Puller pair at /_sync/push and
// /_sync/pull, and a client implementing both interfaces against that
// server. Mounting is done through a small Router seam rather than a direct
// *http.ServeMux dependency, so embedding this into an app that already owns
// its own router (chi, the standard mux, anything with Handle) never forces
// a second one in.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driftdb/driftdb/syncmgr"
)

// Router is the minimal registration seam Mount needs. *http.ServeMux
// satisfies it directly.
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// PushRequest is the wire shape of one mutation awaiting remote resolution.
type PushRequest struct {
	MutationName string `json:"mutationName"`
	LocalResult  any    `json:"localResult"`
}

// PushResponse carries back the id the remote assigned, or an error string
// if the remote rejected the mutation outright (a non-retryable failure).
type PushResponse struct {
	ServerMutationID int64  `json:"serverMutationId"`
	Error            string `json:"error,omitempty"`
}

// PullRequest asks for every authoritative change since cursor.
type PullRequest struct {
	Cursor    string `json:"cursor"`
	HasCursor bool   `json:"hasCursor"`
}

// wireChangeOp/wirePullResponse mirror syncmgr.ChangeOp/PullResponse with
// JSON tags; kept distinct from the syncmgr types so a wire format change
// never has to touch the engine's own structs.
type wireChangeOp struct {
	Action string         `json:"action"`
	Key    string         `json:"key"`
	Value  map[string]any `json:"value,omitempty"`
}

type wirePullResponse struct {
	Changes                    map[string][]wireChangeOp `json:"changes"`
	Cursor                     string                    `json:"cursor"`
	HasCursor                  bool                      `json:"hasCursor"`
	LastProcessedMutationID    int64                     `json:"lastProcessedMutationId"`
	HasLastProcessedMutationID bool                      `json:"hasLastProcessedMutationId"`
}

func toWire(r syncmgr.PullResponse) wirePullResponse {
	changes := make(map[string][]wireChangeOp, len(r.Changes))
	for collection, ops := range r.Changes {
		wireOps := make([]wireChangeOp, len(ops))
		for i, op := range ops {
			wireOps[i] = wireChangeOp{Action: string(op.Action), Key: op.Key, Value: op.Value}
		}
		changes[collection] = wireOps
	}
	return wirePullResponse{
		Changes:                     changes,
		Cursor:                      r.Cursor,
		HasCursor:                   r.HasCursor,
		LastProcessedMutationID:     r.LastProcessedMutationID,
		HasLastProcessedMutationID:  r.HasLastProcessedMutationID,
	}
}

func fromWire(w wirePullResponse) syncmgr.PullResponse {
	changes := make(map[string][]syncmgr.ChangeOp, len(w.Changes))
	for collection, ops := range w.Changes {
		out := make([]syncmgr.ChangeOp, len(ops))
		for i, op := range ops {
			out[i] = syncmgr.ChangeOp{Action: syncmgr.Action(op.Action), Key: op.Key, Value: op.Value}
		}
		changes[collection] = out
	}
	return syncmgr.PullResponse{
		Changes:                     changes,
		Cursor:                      w.Cursor,
		HasCursor:                   w.HasCursor,
		LastProcessedMutationID:     w.LastProcessedMutationID,
		HasLastProcessedMutationID:  w.HasLastProcessedMutationID,
	}
}

// Backend is what the server side needs from the application: somewhere to
// push a mutation's local result to, and somewhere to compute a pull
// response from a cursor.
type Backend interface {
	Push(ctx context.Context, mutationName string, localResult any) (syncmgr.PushResult, error)
	Pull(ctx context.Context, cursor string, hasCursor bool) (syncmgr.PullResponse, error)
}

// Server adapts a Backend to HTTP.
type Server struct {
	backend Backend
}

// NewServer builds a Server over backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Mount registers /_sync/push and /_sync/pull under prefix ("" mounts at
// root) on r.
func (s *Server) Mount(r Router, prefix string) {
	r.Handle(prefix+"/_sync/push", http.HandlerFunc(s.handlePush))
	r.Handle(prefix+"/_sync/pull", http.HandlerFunc(s.handlePull))
}

func (s *Server) handlePush(w http.ResponseWriter, req *http.Request) {
	var body PushRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.MutationName == "" {
		http.Error(w, "bad request: mutationName is required", http.StatusBadRequest)
		return
	}
	result, err := s.backend.Push(req.Context(), body.MutationName, body.LocalResult)
	if err != nil {
		writeJSON(w, http.StatusOK, PushResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{ServerMutationID: result.ServerMutationID})
}

func (s *Server) handlePull(w http.ResponseWriter, req *http.Request) {
	var body PullRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.backend.Pull(req.Context(), body.Cursor, body.HasCursor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toWire(resp))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Client implements syncmgr.Puller against a Server mounted at baseURL, and
// builds per-mutator syncmgr.RemoteResolver values via ResolverFor.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client. If httpClient is nil, http.DefaultClient is
// used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Pull implements syncmgr.Puller.
func (c *Client) Pull(ctx context.Context, cursor string, hasCursor bool) (syncmgr.PullResponse, error) {
	var wire wirePullResponse
	err := c.postJSON(ctx, "/_sync/pull", PullRequest{Cursor: cursor, HasCursor: hasCursor}, &wire)
	if err != nil {
		return syncmgr.PullResponse{}, err
	}
	return fromWire(wire), nil
}

// ResolverFor builds a syncmgr.RemoteResolver that pushes a mutation's local
// result to this client unchanged and calls onSuccess after a successful
// push. shouldRetry may be nil (always retry).
func (c *Client) ResolverFor(mutationName string, shouldRetry syncmgr.ShouldRetry, onSuccess func(syncmgr.PushResult)) syncmgr.RemoteResolver {
	return syncmgr.FuncResolver{
		PushFn: func(ctx context.Context, localResult any) (syncmgr.PushResult, error) {
			return c.push(ctx, mutationName, localResult)
		},
		ShouldRetryFn: shouldRetry,
		OnSuccessFn:   onSuccess,
	}
}

func (c *Client) push(ctx context.Context, mutationName string, localResult any) (syncmgr.PushResult, error) {
	var resp PushResponse
	if err := c.postJSON(ctx, "/_sync/push", PushRequest{MutationName: mutationName, LocalResult: localResult}, &resp); err != nil {
		return syncmgr.PushResult{}, err
	}
	if resp.Error != "" {
		return syncmgr.PushResult{}, fmt.Errorf("httpsync: remote rejected push: %s", resp.Error)
	}
	return syncmgr.PushResult{ServerMutationID: resp.ServerMutationID}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpsync: %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
