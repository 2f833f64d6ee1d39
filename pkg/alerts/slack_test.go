package alerts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickwise/quotagate/pkg/alerts"
	"github.com/tickwise/quotagate/pkg/model"
)

func testAlert(alertType model.AlertType) model.Alert {
	return model.Alert{
		ID:        "a-1",
		Provider:  "alpha",
		Type:      alertType,
		Message:   "provider alpha daily quota exhausted (500/500)",
		Threshold: 1.0,
		Current:   1.0,
		CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewSlackNotifier(server.URL, "#data-ops")
	require.NoError(t, n.Send(context.Background(), testAlert(model.AlertDailyLimitExceeded)))

	assert.Equal(t, "#data-ops", received["channel"])
	attachments, ok := received["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)

	attachment := attachments[0].(map[string]any)
	assert.Equal(t, "#cc0000", attachment["color"])
	assert.Contains(t, attachment["title"], "daily_limit_exceeded")
}

func TestSlackNotifier_ColorByType(t *testing.T) {
	var color string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		color = payload["attachments"].([]any)[0].(map[string]any)["color"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewSlackNotifier(server.URL, "")

	require.NoError(t, n.Send(context.Background(), testAlert(model.AlertUsageWarning)))
	assert.Equal(t, "#ff9900", color)

	require.NoError(t, n.Send(context.Background(), testAlert(model.AlertCircuitOpened)))
	assert.Equal(t, "#ff0000", color)
}

func TestSlackNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := alerts.NewSlackNotifier(server.URL, "")
	err := n.Send(context.Background(), testAlert(model.AlertUsageWarning))
	assert.Error(t, err)
}

func TestDispatcher_FailuresDoNotPropagate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := alerts.NewDispatcher([]alerts.Notifier{alerts.NewSlackNotifier(server.URL, "")}, nil)

	// Dispatch has no error return; a failing notifier only logs.
	d.Dispatch(context.Background(), testAlert(model.AlertUsageWarning))
}
