package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestGatewayCounters(t *testing.T) {
	t.Parallel()

	ObserveAttempt("metrics-node", "forbidden")
	ObserveAttempt("metrics-node", "forbidden")
	ObserveBan("metrics-node")
	SetAvailableNodes(2)

	require.InDelta(t, 2, testutil.ToFloat64(gatewayAttemptsTotal.WithLabelValues("metrics-node", "forbidden")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(gatewayBansTotal.WithLabelValues("metrics-node")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(gatewayNodesAvailable), 0)
}

func TestResultLabels(t *testing.T) {
	t.Parallel()

	ObserveStoreWrite("metrics-test-store", false)
	ObserveStoreWrite("metrics-test-store", true)

	require.InDelta(t, 1, testutil.ToFloat64(credentialStoreWritesTotal.WithLabelValues("metrics-test-store", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(credentialStoreWritesTotal.WithLabelValues("metrics-test-store", "success")), 0)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
