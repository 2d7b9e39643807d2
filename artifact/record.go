package artifact

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/medmesh/core"
)

// Record is the stored form of a delegated artifact.
type Record struct {
	ArtifactID string    `json:"artifactId"`
	AgentID    string    `json:"agentId"`
	TaskID     string    `json:"taskId"`
	Name       string    `json:"name,omitempty"`
	Text       string    `json:"text"`
	StoredAt   time.Time `json:"storedAt"`
}

// Persist saves a delegated artifact under the session.
func Persist(store core.ArtifactStore, sessionID string, sa core.SourcedArtifact) (Record, error) {
	rec := Record{
		ArtifactID: sa.Artifact.ArtifactID,
		AgentID:    sa.AgentID,
		TaskID:     sa.TaskID,
		Name:       sa.Artifact.Name,
		Text:       sa.Artifact.Text(),
		StoredAt:   time.Now().UTC(),
	}
	if rec.ArtifactID == "" {
		rec.ArtifactID = core.NewID()
	}
	if rec.TaskID == "" {
		rec.TaskID = sa.Artifact.ProducedByTaskID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := store.Save(sessionID, rec.ArtifactID, data); err != nil {
		return Record{}, fmt.Errorf("save artifact %s: %w", rec.ArtifactID, err)
	}
	return rec, nil
}

// Load reads every record of the session in id order.
func Load(store core.ArtifactStore, sessionID string) ([]Record, error) {
	ids, err := store.List(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, err := store.Get(sessionID, id)
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
