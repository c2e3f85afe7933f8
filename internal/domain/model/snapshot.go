package model

import "encoding/json"

// EncodeJobs is the snapshot wire format shared by every backend.
func EncodeJobs(jobs []*Job) ([]byte, error) {
	if jobs == nil {
		jobs = []*Job{}
	}
	return json.Marshal(jobs)
}

// DecodeJobs reads a snapshot. Empty input is an empty collection.
func DecodeJobs(data []byte) ([]*Job, error) {
	if len(data) == 0 {
		return []*Job{}, nil
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, nil
}
