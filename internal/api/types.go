package api

import "github.com/samcharles93/stylus/internal/stylealign"

// AlignRequest is the body of POST /v1/align.
type AlignRequest struct {
	Prompts        []string         `json:"prompts"`
	NegativePrompt string           `json:"negative_prompt,omitempty"`
	Steps          *int             `json:"steps,omitempty"`
	GuidanceScale  *float32         `json:"guidance_scale,omitempty"`
	Seed           *int64           `json:"seed,omitempty"`
	Width          int              `json:"width,omitempty"`
	Height         int              `json:"height,omitempty"`
	Style          *stylealign.Args `json:"style,omitempty"`
	Background     bool             `json:"background,omitempty"`
}

// BlendRequest is the body of POST /v1/blend. Images are base64 encoded
// PNG, JPEG or WebP files.
type BlendRequest struct {
	Images        []string  `json:"images"`
	Weights       []float32 `json:"weights"`
	Prompts       []string  `json:"prompts"`
	Steps         *int      `json:"steps,omitempty"`
	GuidanceScale *float32  `json:"guidance_scale,omitempty"`
	Background    bool      `json:"background,omitempty"`
}

const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is the result of a generation request.
type Job struct {
	ID          string    `json:"id"`
	Object      string    `json:"object"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	CreatedAt   int64     `json:"created_at"`
	CompletedAt *int64    `json:"completed_at,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Error       *JobError `json:"error,omitempty"`
}

type JobError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type DeletedJob struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// Defaults fill request fields the client leaves out.
type Defaults struct {
	Steps         int             `yaml:"steps"`
	GuidanceScale float32         `yaml:"guidance_scale"`
	Seed          int64           `yaml:"seed"`
	Style         stylealign.Args `yaml:"style"`
}

func DefaultDefaults() Defaults {
	return Defaults{
		Steps:         50,
		GuidanceScale: 7.5,
		Style:         stylealign.DefaultArgs(),
	}
}
