package service

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// LabelMap resolves output indices to category names.
type LabelMap map[int]string

func DefaultLabelMap() LabelMap {
	m := make(LabelMap, len(KnownLabels))
	for i, l := range KnownLabels {
		m[i] = l
	}
	return m
}

// LoadLabelMap reads the id2label table of a model config.json.
func LoadLabelMap(path string) (LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(cfg.ID2Label) == 0 {
		return nil, fmt.Errorf("%s has no id2label entries", path)
	}
	m := make(LabelMap, len(cfg.ID2Label))
	for k, v := range cfg.ID2Label {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid id2label key %q: %w", k, err)
		}
		m[idx] = v
	}
	return m, nil
}

// Name returns the label for idx, or unknown_<idx>.
func (m LabelMap) Name(idx int) string {
	if name, ok := m[idx]; ok {
		return name
	}
	return "unknown_" + strconv.Itoa(idx)
}

// Len is the number of classes implied by the map: highest index + 1.
func (m LabelMap) Len() int {
	n := 0
	for idx := range m {
		if idx+1 > n {
			n = idx + 1
		}
	}
	return n
}
