package core

// Skill is a named capability advertised on an agent card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Capabilities lists optional protocol features of an agent.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentCard is an agent's self-description fetched from its well-known
// endpoint. Cards are treated as immutable once fetched.
type AgentCard struct {
	AgentID         string       `json:"agentId"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	URL             string       `json:"url"`
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	Skills          []Skill      `json:"skills"`
}

// SkillIDs returns the IDs of all advertised skills.
func (c AgentCard) SkillIDs() []string {
	ids := make([]string, 0, len(c.Skills))
	for _, s := range c.Skills {
		ids = append(ids, s.ID)
	}
	return ids
}

// HasSkill reports whether the card advertises the given skill ID.
func (c AgentCard) HasSkill(id string) bool {
	for _, s := range c.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with c.
func (c AgentCard) Clone() AgentCard {
	cp := c
	cp.Skills = make([]Skill, len(c.Skills))
	for i, s := range c.Skills {
		s.Tags = append([]string(nil), s.Tags...)
		cp.Skills[i] = s
	}
	return cp
}
