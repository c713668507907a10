package sandbox

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Gateway exposes a session's Runtime over loopback HTTP so code running in
// a container (or a remote sandbox colocated with the host) can issue
// sub-queries and human queries. One gateway per environment instance; it
// shares the environment's lifetime.
type Gateway struct {
	rt       Runtime
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

type gatewayQueryRequest struct {
	Prompt string `json:"prompt"`
}

type gatewayQueryResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

type gatewayBatchRequest struct {
	Prompts []string `json:"prompts"`
}

type gatewayBatchResponse struct {
	Responses []string `json:"responses"`
}

type gatewayHumanRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type gatewayHumanResponse struct {
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StartGateway binds the gateway on an ephemeral port across all interfaces
// and starts serving. Containers reach it through the host-gateway address,
// which routes over the docker bridge, not loopback.
func StartGateway(rt Runtime) (*Gateway, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: start runtime gateway: %v", ErrEnvironmentFatal, err)
	}

	g := &Gateway{
		rt:       rt,
		listener: listener,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/llm_query", g.handleQuery)
	mux.HandleFunc("POST /v1/llm_query_batch", g.handleBatch)
	mux.HandleFunc("POST /v1/human_query", g.handleHuman)

	g.server = &http.Server{Handler: mux}
	go func() {
		defer close(g.done)
		g.server.Serve(listener)
	}()
	return g, nil
}

// Addr returns a host-dialable address for the gateway.
func (g *Gateway) Addr() string {
	addr := g.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(addr.Port))
}

// ContainerURL returns the gateway URL as seen from inside a container.
func (g *Gateway) ContainerURL() string {
	_, port, _ := net.SplitHostPort(g.Addr())
	return "http://host.docker.internal:" + port
}

// Stop shuts the gateway down and waits for the serve loop to exit.
func (g *Gateway) Stop() error {
	err := g.server.Close()
	select {
	case <-g.done:
	case <-time.After(5 * time.Second):
	}
	return err
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req gatewayQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := g.rt.LLMQuery(r.Context(), req.Prompt)
	out := gatewayQueryResponse{Response: resp}
	if err != nil {
		out = gatewayQueryResponse{Error: err.Error()}
	}
	writeJSON(w, out)
}

func (g *Gateway) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req gatewayBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, gatewayBatchResponse{
		Responses: g.rt.LLMQueryBatch(r.Context(), req.Prompts),
	})
}

func (g *Gateway) handleHuman(w http.ResponseWriter, r *http.Request) {
	var req gatewayHumanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	answer, err := g.rt.HumanQuery(r.Context(), req.Question, req.Options)
	out := gatewayHumanResponse{Answer: answer}
	if err != nil {
		out = gatewayHumanResponse{Error: err.Error()}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
