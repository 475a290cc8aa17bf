// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// checkpointVersion is bumped when the checkpoint layout changes. A restart
// across an incompatible version fails the run cleanly instead of resuming
// with a misread state.
const checkpointVersion = 1

// Checkpoint is the run state a suspended or crashed run resumes from.
type Checkpoint struct {
	Version int  `json:"version"`
	Node    Node `json:"node"`

	WorkDir    string `json:"work_dir,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`

	FilesModified []string `json:"files_modified,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	TestOutput    string   `json:"test_output,omitempty"`
	DebugAttempts int      `json:"debug_attempts"`

	// Instructions carries rejection feedback routed back to implement.
	Instructions string `json:"instructions,omitempty"`
	// RetryOfValidation is the rejected validation's row id. The next
	// validation request links to it as its lineage parent.
	RetryOfValidation int64 `json:"retry_of_validation,omitempty"`
	// TriggerText carries the reactivating update's body.
	TriggerText string `json:"trigger_text,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Encode serializes the checkpoint.
func (c *Checkpoint) Encode() ([]byte, error) {
	c.Version = checkpointVersion
	c.SavedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint deserializes a checkpoint, rejecting incompatible
// versions.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, errors.Invariant("checkpoint_missing", "run has no checkpoint to resume from")
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.Version != checkpointVersion {
		return nil, errors.Invariant("checkpoint_version",
			"checkpoint version %d is not resumable by this build", c.Version)
	}
	return &c, nil
}
