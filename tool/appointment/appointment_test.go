package appointment

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

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/tool"
)

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func localTool() *Tool {
	return New(func(o *Options) { o.Now = func() time.Time { return fixedNow } })
}

func TestLocal_ReviewAndSchedule(t *testing.T) {
	at := localTool()
	ctx := context.Background()

	out, err := at.Call(ctx, map[string]any{"action": "review"})
	require.NoError(t, err)
	res := out.(Response)
	require.Equal(t, 2, res.Total)
	assert.Equal(t, "2026-03-03 09:00", res.Appointments[0].Start)

	out, err = at.Call(ctx, map[string]any{
		"action":     "schedule",
		"patient_id": "p-42",
		"appointment_details": map[string]any{
			"date":             "2026-03-04",
			"time":             "10:15",
			"duration_minutes": float64(45),
			"reason":           "Asthma review",
		},
	})
	require.NoError(t, err)
	booked := out.(Response)
	assert.NotEmpty(t, booked.AppointmentID)
	assert.Contains(t, booked.Message, "2026-03-04 at 10:15")

	out, err = at.Call(ctx, map[string]any{"action": "review", "patient_id": "p-42"})
	require.NoError(t, err)
	res = out.(Response)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "2026-03-04 11:00", res.Appointments[0].End)
	assert.Equal(t, "General Consultation", res.Appointments[0].Service)

	out, err = at.Call(ctx, map[string]any{
		"action":  "review",
		"filters": map[string]any{"start_date": "2026-03-04", "end_date": "2026-03-05"},
	})
	require.NoError(t, err)
	res = out.(Response)
	require.Equal(t, 2, res.Total, "the booked slot and the seeded one on the 5th")
}

func TestInvalidArguments(t *testing.T) {
	inv, err := tool.NewInvoker([]tool.Tool{localTool()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = inv.Invoke(ctx, Name, map[string]any{"action": "cancel"})
	assert.ErrorIs(t, err, core.ErrInvalidArgs)

	_, err = inv.Invoke(ctx, Name, map[string]any{"action": "schedule", "appointment_details": map[string]any{"date": "tomorrow", "time": "9am"}})
	assert.ErrorIs(t, err, core.ErrInvalidArgs)

	_, err = inv.Invoke(ctx, Name, map[string]any{"action": "review", "filters": map[string]any{"status": "lost"}})
	assert.ErrorIs(t, err, core.ErrInvalidArgs)
}

func TestRemote_ReviewAndSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/ws/rest/v1/appointmentscheduling/appointment", r.URL.Path)

		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "p-1", r.URL.Query().Get("patient"))
			assert.Equal(t, "2026-03-01", r.URL.Query().Get("fromDate"))
			_, _ = w.Write([]byte(`{"results":[{"uuid":"a1","patient":{"display":"John Doe"},
				"timeSlot":{"startDate":"2026-03-03T09:00:00"},"provider":{"display":"Dr. Smith"},
				"appointmentType":{"display":"Follow-up"},"status":"SCHEDULED","reason":"Diabetes"}]}`))
		case http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			var body map[string]any
			assert.NoError(t, json.Unmarshal(raw, &body))
			assert.Equal(t, "2026-03-04T10:00:00", body["startDateTime"])
			assert.Equal(t, "2026-03-04T10:30:00", body["endDateTime"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"uuid":"new-apt"}`))
		}
	}))
	defer srv.Close()

	at := New(func(o *Options) {
		o.BaseURL = srv.URL + "/ws/rest/v1/"
		o.Username = "admin"
		o.Password = "secret"
	})

	out, err := at.Call(context.Background(), map[string]any{
		"action":     "review",
		"patient_id": "p-1",
		"filters":    map[string]any{"start_date": "2026-03-01"},
	})
	require.NoError(t, err)
	res := out.(Response)
	require.Len(t, res.Appointments, 1)
	assert.Equal(t, "scheduled", res.Appointments[0].Status)
	assert.Equal(t, "Dr. Smith", res.Appointments[0].Provider)

	out, err = at.Call(context.Background(), map[string]any{
		"action":              "schedule",
		"patient_id":          "p-1",
		"appointment_details": map[string]any{"date": "2026-03-04", "time": "10:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-apt", out.(Response).AppointmentID)
}

func TestRemote_ServerErrorIsExecutionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv, err := tool.NewInvoker([]tool.Tool{New(func(o *Options) { o.BaseURL = srv.URL })})
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), Name, map[string]any{"action": "review"})
	assert.ErrorIs(t, err, core.ErrToolExecution)
	assert.ErrorContains(t, err, "HTTP 502")
}
