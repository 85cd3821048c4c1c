package domain

// ApplyLatestJobs sets the derived fields of m from the most recent job of
// each module phase. A phase without a job stays nil. The module status is the
// status of the most recently started of those jobs, pending if there is none;
// on equal start times the later phase wins.
func ApplyLatestJobs(m *Module, latest map[Phase]*Job) {
	m.Analyze = latest[PhaseAnalyze]
	m.Migrate = latest[PhaseMigrate]
	m.Publish = latest[PhasePublish]
	m.Status = StatusPending
	m.ErrorDetails = nil

	var newest *Job
	for _, p := range ModulePhases {
		j := latest[p]
		if j == nil {
			continue
		}
		if newest == nil || !j.StartedAt.Before(newest.StartedAt) {
			newest = j
		}
	}
	if newest == nil {
		return
	}
	m.Status = newest.Status
	if newest.Status == StatusError {
		m.ErrorDetails = newest.ErrorDetails
	}
}
