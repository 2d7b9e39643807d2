// Package fhir provides the fhir_search tool over a FHIR R4 REST endpoint
// such as OpenMRS. Without a base URL it serves deterministic mock bundles.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/tool"
)

// Name is the registered tool name.
const Name = "fhir_search"

// ResourceTypes lists the searchable FHIR resource types.
var ResourceTypes = []string{
	"Patient", "Observation", "Condition", "MedicationRequest",
	"Encounter", "Procedure", "DiagnosticReport", "AllergyIntolerance",
}

// Operations lists the supported FHIR interactions.
var Operations = []string{"search", "read", "$everything"}

// Options configures the tool.
type Options struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxTries bounds attempts for transport errors and 5xx responses.
	MaxTries uint
	// RetryInterval is the initial backoff interval.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        logging.Logger
}

// Response is the tool output.
type Response struct {
	ResourceType string            `json:"resource_type"`
	Total        int64             `json:"total"`
	Entries      []json.RawMessage `json:"entries"`
	URL          string            `json:"url"`
}

// Tool implements tool.Tool for FHIR queries.
type Tool struct {
	opts Options
}

// New creates the fhir_search tool.
func New(optFns ...func(o *Options)) *Tool {
	opts := Options{
		Timeout:       10 * time.Second,
		MaxTries:      3,
		RetryInterval: 500 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.Logger.Warn("fhir.mock_mode", "reason", "no base url configured")
	}
	return &Tool{opts: opts}
}

// Name implements tool.Tool.
func (*Tool) Name() string { return Name }

// Description implements tool.Tool.
func (*Tool) Description() string {
	return "Search and retrieve FHIR resources (patients, observations, conditions, medications) from the clinical record server"
}

// Parameters implements tool.Tool.
func (*Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"resource_type": map[string]any{
				"type":        "string",
				"enum":        ResourceTypes,
				"description": "FHIR resource type to search",
			},
			"patient_id": map[string]any{
				"type":        "string",
				"description": "Patient ID to filter results",
			},
			"search_params": map[string]any{
				"type":        "object",
				"description": "Additional FHIR search parameters (code, date, _count, _sort, status, category)",
			},
			"operation": map[string]any{
				"type":        "string",
				"enum":        Operations,
				"default":     "search",
				"description": "FHIR operation to perform",
			},
		},
		"required": []string{"resource_type"},
	}
}

// Call implements tool.Tool.
func (t *Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	resourceType, _ := args["resource_type"].(string)
	patientID, _ := args["patient_id"].(string)
	operation, _ := args["operation"].(string)
	if operation == "" {
		operation = "search"
	}
	searchParams, _ := args["search_params"].(map[string]any)

	if t.opts.BaseURL == "" {
		return mockResponse(resourceType), nil
	}

	switch {
	case operation == "read" && patientID != "":
		u := fmt.Sprintf("%s/%s/%s", t.opts.BaseURL, resourceType, url.PathEscape(patientID))
		body, err := t.get(ctx, u)
		if err != nil {
			return nil, err
		}
		return Response{ResourceType: resourceType, Total: 1, Entries: []json.RawMessage{body}, URL: u}, nil

	case operation == "$everything" && patientID != "":
		u := fmt.Sprintf("%s/Patient/%s/$everything", t.opts.BaseURL, url.PathEscape(patientID))
		body, err := t.get(ctx, u)
		if err != nil {
			return nil, err
		}
		return bundleResponse("Bundle", u, body), nil

	case operation != "search" && patientID == "":
		return nil, tool.NewToolError(Name, fmt.Sprintf("operation %s requires patient_id", operation), tool.CodeInvalidArgs)

	default:
		q := url.Values{}
		for k, v := range searchParams {
			q.Set(k, fmt.Sprint(v))
		}
		if patientID != "" {
			if resourceType == "Patient" {
				q.Set("_id", patientID)
			} else {
				q.Set("patient", patientID)
			}
		}
		if q.Get("_count") == "" {
			q.Set("_count", "10")
		}
		u := fmt.Sprintf("%s/%s?%s", t.opts.BaseURL, resourceType, q.Encode())
		body, err := t.get(ctx, u)
		if err != nil {
			return nil, err
		}
		return bundleResponse(resourceType, u, body), nil
	}
}

// get performs an authenticated GET, retrying transport errors and 5xx
// responses with exponential backoff.
func (t *Tool) get(ctx context.Context, u string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/fhir+json")
		if t.opts.Username != "" && t.opts.Password != "" {
			req.SetBasicAuth(t.opts.Username, t.opts.Password)
		}

		resp, err := t.opts.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("fhir server returned HTTP %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("fhir server returned HTTP %d: %s", resp.StatusCode, truncate(string(body), 200)))
		}
		return body, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.opts.RetryInterval

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(t.opts.MaxTries),
	)
	if err != nil {
		t.opts.Logger.Warn("fhir.request.failed", "url", u, "error", err.Error())
		return nil, err
	}
	return body, nil
}

// bundleResponse extracts entry[].resource from a FHIR Bundle.
func bundleResponse(resourceType, u string, body []byte) Response {
	resources := gjson.GetBytes(body, "entry.#.resource").Array()
	entries := make([]json.RawMessage, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, json.RawMessage(r.Raw))
	}
	total := int64(len(entries))
	if v := gjson.GetBytes(body, "total"); v.Exists() {
		total = v.Int()
	}
	return Response{ResourceType: resourceType, Total: total, Entries: entries, URL: u}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var mockData = map[string]string{
	"Patient": `{"resourceType":"Patient","id":"example-123","name":[{"family":"Doe","given":["John"]}],"gender":"male","birthDate":"1980-01-15"}`,
	"Observation": `{"resourceType":"Observation","id":"obs-1","code":{"coding":[{"system":"http://loinc.org","code":"4548-4","display":"Hemoglobin A1c"}]},` +
		`"valueQuantity":{"value":7.2,"unit":"%"},"effectiveDateTime":"2024-03-01"}`,
	"Condition": `{"resourceType":"Condition","id":"cond-1","code":{"coding":[{"system":"http://snomed.info/sct","code":"44054006","display":"Type 2 diabetes mellitus"}]},` +
		`"clinicalStatus":{"coding":[{"code":"active"}]}}`,
}

func mockResponse(resourceType string) Response {
	entries := []json.RawMessage{}
	if raw, ok := mockData[resourceType]; ok {
		entries = append(entries, json.RawMessage(raw))
	}
	return Response{ResourceType: resourceType, Total: int64(len(entries)), Entries: entries, URL: "mock://fhir"}
}

var _ tool.Tool = (*Tool)(nil)
