package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ContextFile is the narration file written into a job's working folder.
const ContextFile = "context.json"

// ContextEntry is one narrated segment.
type ContextEntry struct {
	Image    string  `json:"image"`
	Prompt   string  `json:"prompt"`
	Response string  `json:"response"`
	End      float64 `json:"end,omitempty"`
}

// LoadContext reads the narration of workingFolder.
func LoadContext(workingFolder string) ([]ContextEntry, error) {
	data, err := os.ReadFile(filepath.Join(workingFolder, ContextFile))
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	var entries []ContextEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return entries, nil
}
