package controlplane

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudless/trainagent/pkg/training"
)

// JobDescription is a pending job as advertised by the control plane
type JobDescription struct {
	ID          string          `json:"id"`
	Config      json.RawMessage `json:"config,omitempty"`
	DatasetPath string          `json:"dataset_path"`
	TotalSteps  int             `json:"total_steps"`
	TotalEpochs int             `json:"total_epochs"`
}

// Spec validates the description and converts it into a job spec
func (d JobDescription) Spec() (training.Spec, error) {
	if strings.TrimSpace(d.ID) == "" {
		return training.Spec{}, fmt.Errorf("%w: job id is required", ErrBadRequest)
	}
	if d.TotalSteps < 0 || d.TotalEpochs < 0 {
		return training.Spec{}, fmt.Errorf("%w: negative step or epoch target", ErrBadRequest)
	}
	cfg, err := training.ParseConfig(d.Config)
	if err != nil {
		return training.Spec{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return training.Spec{
		ID:          d.ID,
		Config:      cfg,
		DatasetPath: d.DatasetPath,
		TotalSteps:  d.TotalSteps,
		TotalEpochs: d.TotalEpochs,
	}, nil
}

// Claim is the result of a successful claim
type Claim struct {
	Token string
	Job   JobDescription
}

// StatusUpdate is the body of a status report
type StatusUpdate struct {
	Status         training.Status `json:"status"`
	Error          string          `json:"error,omitempty"`
	Step           int             `json:"step"`
	Epoch          int             `json:"epoch"`
	CheckpointPath string          `json:"checkpoint_path,omitempty"`
}

type pollResponse struct {
	Job *JobDescription `json:"job"`
}

type claimResponse struct {
	Success  bool            `json:"success"`
	JobToken string          `json:"job_token"`
	Job      *JobDescription `json:"job"`
}

type logBatch struct {
	Lines []training.LogLine `json:"lines"`
}
