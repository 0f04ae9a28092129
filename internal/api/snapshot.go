package api

// StatusProvider supplies the dashboard's view of the running pipeline.
// The engine implements it.
type StatusProvider interface {
	// StatusSnapshot assembles the current state across all subsystems.
	StatusSnapshot() StatusSnapshot

	// DashboardEvents is the live event stream. Nil when the dashboard is
	// disabled; the stream closes when the engine stops.
	DashboardEvents() <-chan DashboardEvent
}
