package api

// ReceiptResponse acknowledges an accepted webhook delivery.
type ReceiptResponse struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
	Bytes    int    `json:"bytes"`
}

// PolicyRequest carries a per-endpoint rate limit budget.
type PolicyRequest struct {
	Limit    int64 `json:"limit"`
	WindowMs int64 `json:"windowMs"`
}

// PolicyResponse mirrors a stored budget.
type PolicyResponse struct {
	Endpoint string `json:"endpoint"`
	Limit    int64  `json:"limit"`
	WindowMs int64  `json:"windowMs"`
	Default  bool   `json:"default,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
