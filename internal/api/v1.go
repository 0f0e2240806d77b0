package api

// APIError is the optional error body an agent returns with a non-200 status.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type StatusResponse struct {
	Agent            string  `json:"agent"`
	Status           string  `json:"status"`
	ContextRemaining float64 `json:"context_remaining"`
	TokensUsed       *int    `json:"tokens_used,omitempty"`
	Version          *string `json:"version,omitempty"`
}

type MessageItem struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type MessagesEnvelope struct {
	Messages []MessageItem `json:"messages"`
}
