package types

// Decision is the outcome of running the ingestion guard for one request.
// It lives in a shared types package so the guard engine and the HTTP
// layer can exchange it without import cycles.
type Decision struct {
	Allowed  bool   // request may proceed to business logic
	Status   int    // suggested HTTP status when not allowed
	Reason   string // machine-readable reason ("accepted", "rate_limited", ...)
	Identity string // resolved client identity, for audit logging
	Err      error  // infrastructure error, if any (never surfaced to clients)
}
