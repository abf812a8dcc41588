package fabric

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/topology"
)

func newTestAPI(t *testing.T) (*harness, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	h := newHarnessWithRegistry(t, fabricYAML, reg)
	srv := httptest.NewServer(NewAPI(h.m, h.mem, reg))
	t.Cleanup(srv.Close)
	return h, srv
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIShow(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/show", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var show ShowData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&show))
	assert.Equal(t, mac(vgwMAC), show.GatewayMAC)
	require.Len(t, show.L2Networks, 1)
	assert.Equal(t, "net1", show.L2Networks[0].Name)
	assert.Equal(t, []string{"b1"}, show.BorderInterfaces)
	assert.Len(t, show.Routes, 1)
}

func TestAPIL2Network(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/l2networks/net1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var n topology.L2Network
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.Len(t, n.Interfaces, 3)
	assert.Equal(t, topology.StateAdded, n.State)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/l2networks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIPacketsAndIntents(t *testing.T) {
	h, srv := newTestAPI(t)

	data := echoRequest(t, mac(macA), mac(vgwMAC), addr("10.0.0.2"), addr("10.0.0.3"))
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/packets", packetIn{ReceivedFrom: point("of:1/1"), Data: data})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.mem.Flush()

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/intents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap struct {
		Installed []struct {
			Key string `json:"key"`
		} `json:"installed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	keys := map[string]bool{}
	for _, rec := range snap.Installed {
		keys[rec.Key] = true
	}
	assert.True(t, keys["10.0.0.3/32"])
	assert.True(t, keys["10.0.0.2/32"])

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/intents/10.0.0.3/32", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Record struct {
			Key string `json:"key"`
		} `json:"record"`
		State string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "10.0.0.3/32", view.Record.Key)
	assert.Equal(t, "INSTALLED", view.State)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/intents/10.0.0.99/32", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/packets", packetIn{ReceivedFrom: point("of:1/1"), Data: []byte{1, 2, 3}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	other, err := serialize(mac(macA), network.BroadcastMAC, 0x88b5, network.VlanNone)
	require.NoError(t, err)
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/packets", packetIn{ReceivedFrom: point("of:1/1"), Data: append(other, make([]byte, 46)...)})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/flush", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out["withdrawn"])
	h.notInstalled("10.0.0.3/32")
}

func TestAPIHosts(t *testing.T) {
	h, srv := newTestAPI(t)

	resp := do(t, http.MethodPut, srv.URL+"/api/v1/hosts", network.Host{
		ID:       "c1",
		MAC:      mac(macC),
		IPs:      []netip.Addr{addr("10.0.0.4")},
		Location: point("of:1/3"),
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, h.mem.HostsByIP(addr("10.0.0.4")), 1)

	resp = do(t, http.MethodPut, srv.URL+"/api/v1/hosts", network.Host{MAC: mac(macC)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/hosts/c1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.mem.HostsByIP(addr("10.0.0.4")))
}

func TestAPIRefreshAndMetrics(t *testing.T) {
	h, srv := newTestAPI(t)
	h.learnBorderPeer()

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.installed("0.0.0.0/0")

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/intercepts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rules []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	assert.Len(t, rules, 5)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "microfabric_intent_submits_total")
	assert.Contains(t, string(body), "microfabric_refreshes_total")
}
