package scheduler

// Snapshot is the scheduler view served by the admin API.
type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	JobsPath string      `json:"jobs_path"`
	Tasks    []string    `json:"tasks"`
	Jobs     []JobStatus `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.sup != nil
	tz := s.loc.String()
	s.mu.Unlock()

	return Snapshot{
		Running:  running,
		Timezone: tz,
		JobsPath: s.store.Path(),
		Tasks:    s.Tasks(),
		Jobs:     s.Jobs(),
	}
}
