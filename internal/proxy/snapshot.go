package proxy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Save writes the full proxy set, including counters and active flags, to
// path so the pool survives process restarts.
func (p *Pool) Save(path string) error {
	records := p.Snapshot()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proxy snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write proxy snapshot: %w", err)
	}
	p.logger.Info("proxy pool saved")
	return nil
}

// Load replaces the pool contents with the snapshot at path. A missing file
// leaves the pool empty rather than failing: first boot has no snapshot.
func (p *Pool) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read proxy snapshot: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse proxy snapshot: %w", err)
	}

	p.mu.Lock()
	p.records = nil
	p.bad = make(map[string]struct{})
	p.cursor = 0
	p.mu.Unlock()

	for _, rec := range records {
		p.Add(rec)
	}
	p.logger.Info("proxy pool loaded")
	return nil
}
