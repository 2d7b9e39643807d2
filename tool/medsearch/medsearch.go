// Package medsearch provides the medical_search tool. Results are
// deterministic placeholders shaped like literature, guideline, drug and
// general knowledge records until a real medical resource is integrated.
package medsearch

import (
	"context"
	"fmt"

	"github.com/hupe1980/medmesh/tool"
)

// Name is the registered tool name.
const Name = "medical_search"

// SearchTypes lists the accepted values of search_type.
var SearchTypes = []string{"literature", "guidelines", "protocols", "drug_info", "general"}

const (
	defaultMaxResults = 10
	maxResultsLimit   = 50
)

// Response is the tool output.
type Response struct {
	Query      string           `json:"query"`
	SearchType string           `json:"search_type"`
	Results    []map[string]any `json:"results"`
	TotalFound int              `json:"total_found"`
	Message    string           `json:"message"`
}

// Tool implements tool.Tool for medical literature and resource search.
type Tool struct{}

// New creates the medical_search tool.
func New() *Tool { return &Tool{} }

// Name implements tool.Tool.
func (*Tool) Name() string { return Name }

// Description implements tool.Tool.
func (*Tool) Description() string {
	return "Search medical literature, guidelines, and clinical resources"
}

// Parameters implements tool.Tool.
func (*Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query for medical literature",
			},
			"search_type": map[string]any{
				"type":        "string",
				"enum":        SearchTypes,
				"default":     "general",
				"description": "Type of medical resource to search",
			},
			"filters": map[string]any{
				"type":        "object",
				"description": "Optional source, specialty, date_range and evidence_level filters",
			},
			"max_results": map[string]any{
				"type":    "integer",
				"default": defaultMaxResults,
				"minimum": 1,
				"maximum": maxResultsLimit,
			},
		},
		"required": []string{"query"},
	}
}

// Call implements tool.Tool.
func (*Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query, _ := args["query"].(string)
	if query == "" {
		return nil, tool.NewToolError(Name, "query must not be empty", tool.CodeInvalidArgs)
	}
	searchType, _ := args["search_type"].(string)
	if searchType == "" {
		searchType = "general"
	}
	maxResults := defaultMaxResults
	if n, ok := args["max_results"].(float64); ok {
		maxResults = int(n)
	} else if n, ok := args["max_results"].(int); ok {
		maxResults = n
	}

	results := mockResults(query, searchType)
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	return Response{
		Query:      query,
		SearchType: searchType,
		Results:    results,
		TotalFound: len(results),
		Message:    "Medical search is in placeholder mode. Integration with medical resources is pending.",
	}, nil
}

func mockResults(query, searchType string) []map[string]any {
	switch searchType {
	case "literature":
		return []map[string]any{
			{
				"title":    fmt.Sprintf("Systematic Review: %s", query),
				"authors":  []string{"Smith J", "Jones M"},
				"journal":  "New England Journal of Medicine",
				"year":     2024,
				"abstract": fmt.Sprintf("A comprehensive review of %s.", query),
				"pmid":     "MOCK123456",
			},
			{
				"title":    fmt.Sprintf("RCT: Treatment outcomes for %s", query),
				"authors":  []string{"Johnson A", "Williams B"},
				"journal":  "JAMA",
				"year":     2023,
				"abstract": fmt.Sprintf("Randomized controlled trial examining %s.", query),
				"pmid":     "MOCK789012",
			},
		}
	case "guidelines", "protocols":
		return []map[string]any{{
			"title":        fmt.Sprintf("Clinical Practice Guidelines: %s", query),
			"organization": "American Medical Association",
			"year":         2024,
			"summary":      fmt.Sprintf("Evidence-based guidelines for managing %s", query),
		}}
	case "drug_info":
		return []map[string]any{{
			"drug_name":         query,
			"class":             "Placeholder drug class",
			"indications":       []string{"Indication 1", "Indication 2"},
			"contraindications": []string{"Contraindication 1"},
			"interactions":      []string{"Drug A", "Drug B"},
			"dosing":            "Standard dosing information",
		}}
	default:
		return []map[string]any{{
			"type":      "mixed",
			"title":     fmt.Sprintf("Resource about %s", query),
			"source":    "Medical Knowledge Base",
			"relevance": 0.95,
			"summary":   fmt.Sprintf("General information about %s", query),
		}}
	}
}

var _ tool.Tool = (*Tool)(nil)
