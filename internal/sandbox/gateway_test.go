package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestGateway(t *testing.T, rt Runtime) *Gateway {
	t.Helper()
	g, err := StartGateway(rt)
	require.NoError(t, err)
	t.Cleanup(func() { g.Stop() })
	return g
}

func postJSON(t *testing.T, url string, payload, out any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestGatewayQuery(t *testing.T) {
	rt := &fakeRuntime{queryAnswer: "sub answer"}
	g := startTestGateway(t, rt)

	var out gatewayQueryResponse
	resp := postJSON(t, "http://"+g.Addr()+"/v1/llm_query", gatewayQueryRequest{Prompt: "sub question"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sub answer", out.Response)
	assert.Empty(t, out.Error)
	assert.Equal(t, []string{"sub question"}, rt.recorded())
}

func TestGatewayQueryError(t *testing.T) {
	rt := &fakeRuntime{queryErr: errors.New("depth limit")}
	g := startTestGateway(t, rt)

	var out gatewayQueryResponse
	resp := postJSON(t, "http://"+g.Addr()+"/v1/llm_query", gatewayQueryRequest{Prompt: "p"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out.Response)
	assert.Contains(t, out.Error, "depth limit")
}

func TestGatewayBatch(t *testing.T) {
	rt := &fakeRuntime{}
	g := startTestGateway(t, rt)

	var out gatewayBatchResponse
	resp := postJSON(t, "http://"+g.Addr()+"/v1/llm_query_batch",
		gatewayBatchRequest{Prompts: []string{"a", "b", "c"}}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"echo:a", "echo:b", "echo:c"}, out.Responses)
}

func TestGatewayHuman(t *testing.T) {
	rt := &fakeRuntime{humanAnswer: "approved"}
	g := startTestGateway(t, rt)

	var out gatewayHumanResponse
	resp := postJSON(t, "http://"+g.Addr()+"/v1/human_query",
		gatewayHumanRequest{Question: "proceed?", Options: []string{"yes", "no"}}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", out.Answer)
}

func TestGatewayHumanRequiresQuestion(t *testing.T) {
	g := startTestGateway(t, &fakeRuntime{})
	resp := postJSON(t, "http://"+g.Addr()+"/v1/human_query", gatewayHumanRequest{Question: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayRejectsBadBody(t *testing.T) {
	g := startTestGateway(t, &fakeRuntime{})
	resp, err := http.Post("http://"+g.Addr()+"/v1/llm_query", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayContainerURL(t *testing.T) {
	g := startTestGateway(t, &fakeRuntime{})
	url := g.ContainerURL()
	assert.True(t, strings.HasPrefix(url, "http://host.docker.internal:"), url)

	// Container traffic arrives over the bridge, not loopback, so the
	// listener must not be bound to a loopback address.
	tcpAddr := g.listener.Addr().(*net.TCPAddr)
	assert.True(t, tcpAddr.IP.IsUnspecified(), tcpAddr.String())
	assert.True(t, strings.HasSuffix(url, fmt.Sprintf(":%d", tcpAddr.Port)), url)
	assert.True(t, strings.HasSuffix(g.Addr(), fmt.Sprintf(":%d", tcpAddr.Port)), g.Addr())
}

func TestGatewayStop(t *testing.T) {
	g, err := StartGateway(&fakeRuntime{})
	require.NoError(t, err)
	addr := g.Addr()
	require.NoError(t, g.Stop())

	_, err = http.Post("http://"+addr+"/v1/llm_query", "application/json", strings.NewReader("{}"))
	assert.Error(t, err)
}
