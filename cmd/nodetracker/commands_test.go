package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/internal/fixtures"
)

func newTestCommand(t *testing.T, descriptors ...nodetracker.NodeStatistics) (*command, *bytes.Buffer) {
	statsService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, jsoniter.NewEncoder(w).Encode(descriptors))
	}))
	t.Cleanup(statsService.Close)

	v := viper.New()
	v.Set(nodetracker.ParamStatsServiceURL, statsService.URL)
	v.Set(nodetracker.ParamNetworkType, int(fixtures.TestNetworkType))
	v.Set(nodetracker.ParamPickCount, 1)
	v.Set(nodetracker.ParamPickTop, 0)

	var out bytes.Buffer
	cmd, err := newCommand(context.Background(), fixtures.NewTestLogger(t), v, &out)
	require.NoError(t, err)
	return cmd, &out
}

func TestDiscoverPrintsNodes(t *testing.T) {
	t.Parallel()

	cmd, out := newTestCommand(t,
		fixtures.MakeDescriptor(fixtures.Host("a.example.com")),
		fixtures.MakeDescriptor(fixtures.Host("b.example.com"), fixtures.Unavailable()),
	)
	require.NoError(t, cmd.discover(context.Background()))

	var printed []nodetracker.NodeStatistics
	require.NoError(t, jsoniter.Unmarshal(out.Bytes(), &printed))
	require.Len(t, printed, 1)
	assert.Equal(t, "a.example.com", printed[0].Host)
}

func TestPingPrintsTable(t *testing.T) {
	t.Parallel()

	good := fixtures.NewGateway(t)
	bad := fixtures.NewGateway(t, fixtures.ControlStatus(http.StatusServiceUnavailable))
	cmd, out := newTestCommand(t,
		fixtures.MakeDescriptor(fixtures.Gateway(good)),
		fixtures.MakeDescriptor(fixtures.Gateway(bad)),
	)
	require.NoError(t, cmd.ping(context.Background()))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "LATENCY")
	assert.Contains(t, string(lines[1]), good.URL())
	assert.Contains(t, string(lines[2]), bad.URL())
	assert.Contains(t, string(lines[2]), "503")
}

func TestPickPrintsHealthyNode(t *testing.T) {
	t.Parallel()

	good := fixtures.NewGateway(t)
	bad := fixtures.NewGateway(t, fixtures.SilentWebSocket())
	cmd, out := newTestCommand(t,
		fixtures.MakeDescriptor(fixtures.Gateway(good)),
		fixtures.MakeDescriptor(fixtures.Gateway(bad)),
	)
	cmd.v.Set(nodetracker.ParamWebSocketTimeout, "100ms")
	cmd, err := newCommand(context.Background(), cmd.logger, cmd.v, out)
	require.NoError(t, err)

	require.NoError(t, cmd.pick(context.Background()))

	var printed []struct {
		APIStatus struct {
			RestGatewayURL string `json:"restGatewayUrl"`
		} `json:"apiStatus"`
		Latency float64 `json:"latency"`
	}
	require.NoError(t, jsoniter.Unmarshal(out.Bytes(), &printed))
	require.Len(t, printed, 1)
	assert.Equal(t, good.URL(), printed[0].APIStatus.RestGatewayURL)
	assert.Greater(t, printed[0].Latency, float64(0))
}

func TestPickFailsWithoutHealthyNodes(t *testing.T) {
	t.Parallel()

	bad := fixtures.NewGateway(t, fixtures.ControlStatus(http.StatusInternalServerError))
	cmd, _ := newTestCommand(t, fixtures.MakeDescriptor(fixtures.Gateway(bad)))
	require.Error(t, cmd.pick(context.Background()))
}

func TestPickRejectsNegativeLatency(t *testing.T) {
	t.Parallel()

	good := fixtures.NewGateway(t)
	cmd, _ := newTestCommand(t, fixtures.MakeDescriptor(fixtures.Gateway(good)))
	cmd.v.Set(nodetracker.ParamPickMaxLatency, "-1s")
	require.Error(t, cmd.pick(context.Background()))
}
