// Package appointment provides the appointment_manager tool over the OpenMRS
// appointment scheduling REST API. Without a base URL it keeps an in-process
// schedule seeded with two sample appointments.
package appointment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/tool"
)

// Name is the registered tool name.
const Name = "appointment_manager"

// Statuses lists the appointment states accepted as a review filter.
var Statuses = []string{"scheduled", "checked_in", "completed", "cancelled", "missed"}

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04"
	defaultDuration = 30 * time.Minute
)

// Options configures the tool.
type Options struct {
	// BaseURL is the OpenMRS REST root, e.g. http://host/openmrs/ws/rest/v1.
	BaseURL  string
	Username string
	Password string
	// Timeout bounds each HTTP request.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
	// Now is the clock used to seed the local schedule.
	Now func() time.Time
}

// Appointment is one booked slot.
type Appointment struct {
	ID       string `json:"id"`
	Patient  string `json:"patient,omitempty"`
	Start    string `json:"date"`
	End      string `json:"end,omitempty"`
	Provider string `json:"provider,omitempty"`
	Service  string `json:"service,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Response is the tool output.
type Response struct {
	Action        string        `json:"action"`
	Appointments  []Appointment `json:"appointments,omitempty"`
	Total         int           `json:"total"`
	AppointmentID string        `json:"appointment_id,omitempty"`
	Message       string        `json:"message"`
}

// Tool implements tool.Tool for appointment review and scheduling.
type Tool struct {
	opts Options

	mu    sync.Mutex
	local []Appointment
}

// New creates the appointment_manager tool.
func New(optFns ...func(o *Options)) *Tool {
	opts := Options{
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	t := &Tool{opts: opts}
	if opts.BaseURL == "" {
		opts.Logger.Warn("appointment.mock_mode", "reason", "no base url configured")
		t.local = seedAppointments(opts.Now())
	}
	return t
}

// Name implements tool.Tool.
func (*Tool) Name() string { return Name }

// Description implements tool.Tool.
func (*Tool) Description() string {
	return "Review existing appointments or schedule a new appointment in the clinic's scheduling system"
}

// Parameters implements tool.Tool.
func (*Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"review", "schedule"},
				"description": "Action to perform",
			},
			"patient_id": map[string]any{
				"type":        "string",
				"description": "Patient identifier for filtering or scheduling",
			},
			"appointment_details": map[string]any{
				"type":        "object",
				"description": "For schedule: date (YYYY-MM-DD), time (HH:MM), duration_minutes, provider_uuid, service, location_uuid, reason",
			},
			"filters": map[string]any{
				"type":        "object",
				"description": "For review: start_date, end_date (YYYY-MM-DD), provider_uuid, status",
			},
		},
		"required": []string{"action"},
	}
}

// Call implements tool.Tool.
func (t *Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	action, _ := args["action"].(string)
	patientID, _ := args["patient_id"].(string)

	switch action {
	case "review":
		filters, _ := args["filters"].(map[string]any)
		f, err := parseFilters(filters)
		if err != nil {
			return nil, err
		}
		if t.opts.BaseURL == "" {
			return t.reviewLocal(patientID, f), nil
		}
		return t.reviewRemote(ctx, patientID, f)

	case "schedule":
		details, _ := args["appointment_details"].(map[string]any)
		req, err := parseDetails(details)
		if err != nil {
			return nil, err
		}
		if t.opts.BaseURL == "" {
			return t.scheduleLocal(patientID, req), nil
		}
		return t.scheduleRemote(ctx, patientID, req)
	}
	return nil, tool.NewToolError(Name, fmt.Sprintf("unknown action %q", action), tool.CodeInvalidArgs)
}

type filter struct {
	from, to time.Time
	provider string
	status   string
}

func parseFilters(m map[string]any) (filter, error) {
	var f filter
	for key, dst := range map[string]*time.Time{"start_date": &f.from, "end_date": &f.to} {
		s, _ := m[key].(string)
		if s == "" {
			continue
		}
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return filter{}, tool.NewToolError(Name, fmt.Sprintf("filters.%s must be YYYY-MM-DD", key), tool.CodeInvalidArgs)
		}
		*dst = d
	}
	f.provider, _ = m["provider_uuid"].(string)
	f.status, _ = m["status"].(string)
	if f.status != "" && !slices.Contains(Statuses, f.status) {
		return filter{}, tool.NewToolError(Name, fmt.Sprintf("filters.status must be one of %s", strings.Join(Statuses, ", ")), tool.CodeInvalidArgs)
	}
	return f, nil
}

type booking struct {
	start    time.Time
	duration time.Duration
	provider string
	service  string
	location string
	reason   string
}

func parseDetails(m map[string]any) (booking, error) {
	date, _ := m["date"].(string)
	clock, _ := m["time"].(string)
	if date == "" || clock == "" {
		return booking{}, tool.NewToolError(Name, "appointment_details.date and appointment_details.time are required", tool.CodeInvalidArgs)
	}
	start, err := time.Parse(dateLayout+" "+timeLayout, date+" "+clock)
	if err != nil {
		return booking{}, tool.NewToolError(Name, "appointment_details needs date YYYY-MM-DD and time HH:MM", tool.CodeInvalidArgs)
	}

	b := booking{start: start, duration: defaultDuration, service: "General Consultation"}
	if n, ok := m["duration_minutes"].(float64); ok && n > 0 {
		b.duration = time.Duration(n) * time.Minute
	}
	if s, _ := m["service"].(string); s != "" {
		b.service = s
	}
	b.provider, _ = m["provider_uuid"].(string)
	b.location, _ = m["location_uuid"].(string)
	b.reason, _ = m["reason"].(string)
	return b, nil
}

func (t *Tool) reviewLocal(patientID string, f filter) Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Appointment{}
	for _, a := range t.local {
		if patientID != "" && !strings.Contains(a.Patient, patientID) {
			continue
		}
		if f.status != "" && a.Status != f.status {
			continue
		}
		if f.provider != "" && a.Provider != f.provider {
			continue
		}
		start, _ := time.Parse(dateLayout+" "+timeLayout, a.Start)
		if !f.from.IsZero() && start.Before(f.from) {
			continue
		}
		if !f.to.IsZero() && !start.Before(f.to.AddDate(0, 0, 1)) {
			continue
		}
		out = append(out, a)
	}
	return Response{
		Action:       "review",
		Appointments: out,
		Total:        len(out),
		Message:      fmt.Sprintf("Local schedule - %d appointments", len(out)),
	}
}

func (t *Tool) scheduleLocal(patientID string, b booking) Response {
	a := Appointment{
		ID:       "apt-" + core.NewID()[:8],
		Patient:  patientID,
		Start:    b.start.Format(dateLayout + " " + timeLayout),
		End:      b.start.Add(b.duration).Format(dateLayout + " " + timeLayout),
		Provider: b.provider,
		Service:  b.service,
		Status:   "scheduled",
		Reason:   b.reason,
	}

	t.mu.Lock()
	t.local = append(t.local, a)
	sort.SliceStable(t.local, func(i, j int) bool { return t.local[i].Start < t.local[j].Start })
	t.mu.Unlock()

	return Response{
		Action:        "schedule",
		Total:         1,
		AppointmentID: a.ID,
		Message:       fmt.Sprintf("Appointment scheduled for %s at %s (local schedule)", b.start.Format(dateLayout), b.start.Format(timeLayout)),
	}
}

func (t *Tool) reviewRemote(ctx context.Context, patientID string, f filter) (Response, error) {
	q := url.Values{}
	if patientID != "" {
		q.Set("patient", patientID)
	}
	if !f.from.IsZero() {
		q.Set("fromDate", f.from.Format(dateLayout))
	}
	if !f.to.IsZero() {
		q.Set("toDate", f.to.Format(dateLayout))
	}
	if f.provider != "" {
		q.Set("provider", f.provider)
	}
	if f.status != "" {
		q.Set("status", f.status)
	}
	u := t.opts.BaseURL + "/appointmentscheduling/appointment"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	body, err := t.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Response{}, err
	}

	out := []Appointment{}
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		out = append(out, Appointment{
			ID:       r.Get("uuid").String(),
			Patient:  r.Get("patient.display").String(),
			Start:    r.Get("timeSlot.startDate").String(),
			End:      r.Get("timeSlot.endDate").String(),
			Provider: r.Get("provider.display").String(),
			Service:  r.Get("appointmentType.display").String(),
			Status:   strings.ToLower(r.Get("status").String()),
			Reason:   r.Get("reason").String(),
		})
		return true
	})
	return Response{
		Action:       "review",
		Appointments: out,
		Total:        len(out),
		Message:      fmt.Sprintf("Found %d appointments", len(out)),
	}, nil
}

func (t *Tool) scheduleRemote(ctx context.Context, patientID string, b booking) (Response, error) {
	payload, err := json.Marshal(map[string]any{
		"patient":         patientID,
		"appointmentType": b.service,
		"startDateTime":   b.start.Format("2006-01-02T15:04:05"),
		"endDateTime":     b.start.Add(b.duration).Format("2006-01-02T15:04:05"),
		"provider":        b.provider,
		"location":        b.location,
		"reason":          b.reason,
		"status":          "Scheduled",
	})
	if err != nil {
		return Response{}, err
	}

	body, err := t.do(ctx, http.MethodPost, t.opts.BaseURL+"/appointmentscheduling/appointment", payload)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Action:        "schedule",
		Total:         1,
		AppointmentID: gjson.GetBytes(body, "uuid").String(),
		Message:       fmt.Sprintf("Appointment scheduled for %s at %s", b.start.Format(dateLayout), b.start.Format(timeLayout)),
	}, nil
}

func (t *Tool) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.opts.Username != "" && t.opts.Password != "" {
		req.SetBasicAuth(t.opts.Username, t.opts.Password)
	}

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		t.opts.Logger.Warn("appointment.request.failed", "method", method, "url", u, "error", err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("appointment server returned HTTP %d", resp.StatusCode)
	}
	return body, nil
}

func seedAppointments(now time.Time) []Appointment {
	day := func(n int, clock string) string {
		return now.AddDate(0, 0, n).Format(dateLayout) + " " + clock
	}
	return []Appointment{
		{ID: "apt-001", Patient: "John Doe", Start: day(1, "09:00"), Provider: "Dr. Smith", Service: "Follow-up", Status: "scheduled", Reason: "Diabetes follow-up"},
		{ID: "apt-002", Patient: "Jane Smith", Start: day(3, "14:30"), Provider: "Dr. Jones", Service: "Consultation", Status: "scheduled", Reason: "Hypertension management"},
	}
}

var _ tool.Tool = (*Tool)(nil)
