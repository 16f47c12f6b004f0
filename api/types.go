package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the server logs for details"
	}
}

// PredictRequest describes a request sent by [Client.Predict]. Sparse and
// Dense hold the raw features of Size examples keyed by feature name.
type PredictRequest struct {
	Size   int                  `json:"size"`
	Sparse map[string][]int32   `json:"sparse,omitempty"`
	Dense  map[string][]float32 `json:"dense,omitempty"`
}

// Prediction holds one value per example for a task.
type Prediction struct {
	Task   string    `json:"task"`
	Values []float32 `json:"values"`
}

// PredictResponse is the response returned by [Client.Predict]. Predictions
// follow the declared task order.
type PredictResponse struct {
	ID          string        `json:"id"`
	Predictions []Prediction  `json:"predictions"`
	Duration    time.Duration `json:"total_duration,omitempty"`
}

type Task struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Feature struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Width int    `json:"width"`
}

type Component struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Input      int    `json:"input,omitempty"`
	Output     int    `json:"output,omitempty"`
	Candidates int    `json:"candidates,omitempty"`
}

// ShowResponse is the response returned from [Client.Show].
type ShowResponse struct {
	Architecture   string      `json:"architecture"`
	Tasks          []Task      `json:"tasks"`
	Features       []Feature   `json:"features,omitempty"`
	Components     []Component `json:"components"`
	Parameters     []string    `json:"parameters,omitempty"`
	ParameterCount uint64      `json:"parameter_count"`
	L2Penalty      float32     `json:"l2_penalty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
