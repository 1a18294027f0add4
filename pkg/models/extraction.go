package models

// Entity is a named concept extracted from a transcript segment.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Relation links two extracted entities.
type Relation struct {
	Source    string `json:"source"`
	Predicate string `json:"predicate"`
	Target    string `json:"target"`
}

// Extraction is the structured knowledge pulled from one segment of
// transcript by the language model.
type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Insights  []string   `json:"insights,omitempty"`
}
