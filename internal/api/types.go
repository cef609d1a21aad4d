package api

import "github.com/samcharles93/ive/pkg/ive"

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Backend      string `json:"backend"`
	ScratchBytes int    `json:"scratch_bytes"`
	Jobs         int    `json:"jobs"`
}

type OpsResponse struct {
	Ops []string `json:"ops"`
}

// PlanRequest asks for the tile plan of a named operator over one image.
type PlanRequest struct {
	Op       string     `json:"op"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Channels int        `json:"channels,omitempty"`
	Format   string     `json:"format,omitempty"`
	Params   ive.Params `json:"params"`
}

type PlanResponse struct {
	Op    string    `json:"op"`
	Tiles int       `json:"tiles"`
	Plan  *ive.Plan `json:"plan"`
}

// OpRequest runs an operator. Every input shares the extent and format
// given; Inputs holds the base64 raw planes of each image back to back.
type OpRequest struct {
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Channels int        `json:"channels,omitempty"`
	Format   string     `json:"format,omitempty"`
	Params   ive.Params `json:"params"`
	Inputs   []string   `json:"inputs"`
}

// Job is the record of one operator invocation.
type Job struct {
	ID         string   `json:"id"`
	Object     string   `json:"object"`
	Op         string   `json:"op"`
	Status     string   `json:"status"`
	CreatedAt  int64    `json:"created_at"`
	Tiles      int      `json:"tiles"`
	Batches    int      `json:"batches"`
	CacheHit   bool     `json:"cache_hit"`
	DurationMS float64  `json:"duration_ms"`
	Format     string   `json:"format"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Outputs    []string `json:"outputs,omitempty"`
}

type DeleteJobResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
