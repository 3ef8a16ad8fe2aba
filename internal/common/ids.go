package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// taskIDPrefixLen is the number of leading job ID characters carried into
// task IDs, enough to keep them readable while still unambiguous.
const taskIDPrefixLen = 16

// CanonicalJSON renders a value as JSON with map keys sorted at every level
// and numbers collapsed through float64, so semantically equal inputs yield
// byte-identical output regardless of key order or source type.
func CanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	// Round-trip through interface{} so ints and typed structs collapse to
	// the same representation JSON-decoded input would have.
	var norm interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	out, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}

// NewJobID derives the deterministic job ID: the SHA-256 hex digest of the
// job type concatenated with the canonical JSON of its parameters.
// Submitting the same type and parameters twice yields the same ID.
func NewJobID(jobType string, parameters map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(parameters)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(jobType + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// NewTaskID derives a task ID from the owning job, the stage number and the
// semantic index chosen by the workflow: <job_prefix>_s<stage>_<index>.
// The workflow must keep the index unique within the stage.
func NewTaskID(jobID string, stage int, index string) string {
	prefix := jobID
	if len(prefix) > taskIDPrefixLen {
		prefix = prefix[:taskIDPrefixLen]
	}
	return fmt.Sprintf("%s_s%d_%s", prefix, stage, index)
}
