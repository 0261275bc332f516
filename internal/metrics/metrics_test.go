package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	m := New()
	m.Commands.WithLabelValues("send_message").Inc()
	m.MessagesStored.Add(2)

	assert.Equal(t, 2.0, counterValue(t, m))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sniffguard_commands_total{type="send_message"} 1`)
	assert.Contains(t, string(body), "sniffguard_messages_stored_total 2")
}

func counterValue(t *testing.T, m *Metrics) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.MessagesStored.Write(&out))
	return out.GetCounter().GetValue()
}

func TestNew_Independent(t *testing.T) {
	// separate registries must not collide
	a, b := New(), New()
	a.MessagesStored.Inc()
	assert.Equal(t, 0.0, counterValue(t, b))
}
