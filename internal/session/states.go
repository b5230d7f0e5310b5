package session

import "wagate/internal/models"

var edges = map[models.SessionState][]models.SessionState{
	models.SessionUnpaired:  {models.SessionPairing},
	models.SessionPairing:   {models.SessionConnected, models.SessionExpired},
	models.SessionConnected: {models.SessionDegraded, models.SessionExpired},
	models.SessionDegraded:  {models.SessionConnected, models.SessionExpired},
	models.SessionExpired:   {models.SessionPairing},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to models.SessionState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkable reports whether health checks apply to the state.
func checkable(s models.SessionState) bool {
	return s == models.SessionPairing || s == models.SessionConnected || s == models.SessionDegraded
}
