package bus

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nsf/jsondiff"
)

// JobConfig is the recognized, admin-API-supplied configuration
// surface for one job. Fields unknown to this struct
// are preserved verbatim by a JSON merge patch but never interpreted.
type JobConfig struct {
	ID                   string         `json:"id"`
	OrganizationID       string         `json:"organization_id"`
	CheckpointInterval   time.Duration  `json:"checkpoint_interval"`
	TTL                  *time.Duration `json:"ttl,omitempty"`
	RestartNonce         uint64         `json:"restart_nonce"`
	ParallelismOverrides map[uint32]int `json:"parallelism_overrides,omitempty"`
	AllowedRestarts      int            `json:"allowed_restarts"`
	StopMode             StopMode       `json:"stop_mode"`
}

// IsPreview reports whether the job has a bounded lifetime, which
// tightens its restart policy to at most one attempt.
func (c JobConfig) IsPreview() bool {
	return c.TTL != nil
}

// Diff reports whether next differs materially from cur and produces a
// human-readable summary of the difference, the way an operator-facing
// CLI would render "what changed" before applying a rescale or restart.
func Diff(cur, next JobConfig) (changed bool, summary string, err error) {
	curBytes, err := json.Marshal(cur)
	if err != nil {
		return false, "", fmt.Errorf("marshaling current config: %w", err)
	}
	nextBytes, err := json.Marshal(next)
	if err != nil {
		return false, "", fmt.Errorf("marshaling next config: %w", err)
	}

	opts := jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(curBytes, nextBytes, &opts)
	if diff == jsondiff.FullMatch {
		return false, "", nil
	}
	return true, report, nil
}

// ApplyMergePatch applies a JSON merge patch (RFC 7386) to a job's
// current configuration document, returning the merged document. The
// admin API ships config updates as merge patches rather than full
// documents so unrelated fields are left untouched.
func ApplyMergePatch(doc, patch []byte) ([]byte, error) {
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("applying config merge patch: %w", err)
	}
	return merged, nil
}

// RescaleNeeded reports whether next's parallelism overrides disagree
// with the actual per-node parallelism the model is currently running,
// which triggers a transition to Rescaling.
func RescaleNeeded(next JobConfig, actual map[uint32]int) bool {
	for node, want := range next.ParallelismOverrides {
		if got, ok := actual[node]; !ok || got != want {
			return true
		}
	}
	return false
}
