package specialist

import (
	"fmt"
	"sort"

	"github.com/hupe1980/medmesh/tool/appointment"
	"github.com/hupe1980/medmesh/tool/fhir"
	"github.com/hupe1980/medmesh/tool/medsearch"
)

// Preset is a ready-made specialist identity.
type Preset struct {
	Name        string
	Description string
	Skills      []Skill
}

// Presets are the specialists medmesh ships with, keyed by agent ID.
var Presets = map[string]Preset{
	"medgemma": {
		Name:        "MedGemma Medical Assistant",
		Description: "Answers general medical questions about symptoms, conditions and treatments.",
		Skills: []Skill{{
			ID:          "medical_qa",
			Name:        "Medical Q&A",
			Description: "General medical knowledge: symptoms, diagnoses, treatments, medications",
			Tags:        []string{"medical", "diagnosis", "treatment"},
			Instructions: "You are a careful medical assistant. Explain clearly, mention red-flag " +
				"symptoms that need urgent care and recommend consulting a clinician.",
		}},
	},
	"clinical": {
		Name:        "Clinical Research Agent",
		Description: "Retrieves clinical records and medical literature and interprets them.",
		Skills: []Skill{
			{
				ID:          "fhir_patient_search",
				Name:        "FHIR Patient Search",
				Description: "Search specific FHIR resources of a patient",
				Tags:        []string{"fhir", "patient", "observation", "condition"},
				Tool:        fhir.Name,
				ParamsPrompt: `Convert this query into FHIR search parameters.

Query: {{.Query}}

Respond with JSON: {"resource_type": "Patient|Observation|Condition|MedicationRequest|Encounter", "patient_id": "...", "search_params": {}}`,
			},
			{
				ID:          "medical_search",
				Name:        "Medical Literature Search",
				Description: "Search medical literature, guidelines and drug information",
				Tags:        []string{"literature", "guidelines", "research"},
				Tool:        medsearch.Name,
				ParamsPrompt: `Convert this medical literature query into search parameters.

Query: {{.Query}}

Respond with JSON: {"query": "...", "search_type": "general|drug_info|guidelines|research"}`,
			},
		},
	},
	"administrative": {
		Name:        "Administrative Agent",
		Description: "Helps with appointments and other healthcare administration.",
		Skills: []Skill{
			{
				ID:          "review_appointments",
				Name:        "Review Appointments",
				Description: "Check existing appointments, view schedule",
				Tags:        []string{"review", "schedule", "appointments"},
				Tool:        appointment.Name,
				ParamsPrompt: `Convert this request into appointment review parameters.

Query: {{.Query}}

Respond with JSON: {"action": "review", "patient_id": "...", "filters": {"start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD", "status": "scheduled|checked_in|completed|cancelled|missed"}}
Omit fields the request does not mention.`,
			},
			{
				ID:          "schedule_appointment",
				Name:        "Schedule Appointment",
				Description: "Book a new appointment",
				Tags:        []string{"book", "schedule"},
				Tool:        appointment.Name,
				ParamsPrompt: `Convert this request into appointment booking parameters.

Query: {{.Query}}

Respond with JSON: {"action": "schedule", "patient_id": "...", "appointment_details": {"date": "YYYY-MM-DD", "time": "HH:MM", "duration_minutes": 30, "service": "...", "reason": "..."}}`,
			},
		},
	},
}

// PresetIDs returns the preset agent IDs in sorted order.
func PresetIDs() []string {
	ids := make([]string, 0, len(Presets))
	for id := range Presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LookupPreset returns the preset for id.
func LookupPreset(id string) (Preset, error) {
	p, ok := Presets[id]
	if !ok {
		return Preset{}, fmt.Errorf("unknown specialist preset %q (known: %v)", id, PresetIDs())
	}
	return p, nil
}
