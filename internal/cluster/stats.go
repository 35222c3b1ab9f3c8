package cluster

import "time"

// WorkerStatus is the per-worker slice of the stats dump.
type WorkerStatus struct {
	StartedAt   string         `json:"started_at"`
	Pid         int            `json:"pid"`
	Index       int            `json:"index"`
	Phase       int            `json:"phase"`
	Booted      bool           `json:"booted"`
	LastCheckin string         `json:"last_checkin"`
	LastStatus  map[string]int `json:"last_status"`
}

// Stats is the aggregated master view served over the stats socket.
type Stats struct {
	StartedAt     string         `json:"started_at"`
	BootID        string         `json:"boot_id"`
	Workers       int            `json:"workers"`
	Phase         int            `json:"phase"`
	BootedWorkers int            `json:"booted_workers"`
	OldWorkers    int            `json:"old_workers"`
	WorkerStatus  []WorkerStatus `json:"worker_status"`
}

// Snapshot assembles the current stats. Safe to call from the stats
// socket's accept goroutine.
func (s *Supervisor) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		StartedAt:    s.startedAt.UTC().Format(time.RFC3339),
		BootID:       s.bootID,
		Workers:      s.workerCount,
		Phase:        s.phase,
		WorkerStatus: make([]WorkerStatus, 0, len(s.workers)),
	}
	for _, h := range s.workers {
		if h.Booted() {
			st.BootedWorkers++
		}
		if h.Phase != s.phase {
			st.OldWorkers++
		}
		ws := WorkerStatus{
			StartedAt:  h.StartedAt.UTC().Format(time.RFC3339),
			Pid:        h.Pid,
			Index:      h.Index,
			Phase:      h.Phase,
			Booted:     h.Booted(),
			LastStatus: h.LastStatus,
		}
		if !h.LastCheckin.IsZero() {
			ws.LastCheckin = h.LastCheckin.UTC().Format(time.RFC3339)
		}
		st.WorkerStatus = append(st.WorkerStatus, ws)
	}
	return st
}
