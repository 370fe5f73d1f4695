package assessment

import (
	"time"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/engine"
)

// TypeSummary describes one assessment type for clients.
type TypeSummary struct {
	Type        string              `json:"type"`
	Title       string              `json:"title"`
	Persistence catalog.Persistence `json:"persistence"`
	Fields      int                 `json:"fields"`
	Rules       int                 `json:"rules"`
	Attachments bool                `json:"attachments"`
}

// Submission is the body of a submit request. The author comes from the
// authenticated clinician, never from the body.
type Submission struct {
	Patient     string       `json:"patient"`
	ServiceDate string       `json:"service_date"`
	State       engine.State `json:"state"`
}

type SubmitResult struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Findings  []engine.Finding `json:"findings"`
	// Form is a blank form for the next entry.
	Form engine.State `json:"form"`
}

// FieldUpdate is the body of a field update request.
type FieldUpdate struct {
	State engine.State `json:"state"`
	Path  string       `json:"path"`
	Value any          `json:"value"`
}

// HistoryItem is one stored submission as shown in the patient's history.
type HistoryItem struct {
	ID          string           `json:"id"`
	Patient     string           `json:"patient"`
	AuthorID    string           `json:"author_id"`
	AuthorName  string           `json:"author_name"`
	ServiceDate string           `json:"service_date"`
	CreatedAt   time.Time        `json:"created_at"`
	State       engine.State     `json:"state"`
	Findings    []engine.Finding `json:"findings"`
}

// Attachment is an uploaded file and the form field its URL belongs in.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Field       string `json:"field"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}
