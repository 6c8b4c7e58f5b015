package services

// Messages carries the user-facing outcome of a service call. Exactly one
// of Error or Notice is set on a finished call; the presentation layer
// renders them verbatim.
type Messages struct {
	Error  string `json:"error,omitempty"`
	Notice string `json:"notice,omitempty"`
}

// Result is the public outcome of every orchestration service method.
// Services never panic or leak raw errors across this boundary: internal
// failures are logged with context and surfaced as a generic message.
type Result struct {
	OK       bool     `json:"ok"`
	Messages Messages `json:"messages"`
}

func failure(msg string) Result {
	return Result{OK: false, Messages: Messages{Error: msg}}
}

func success(notice string) Result {
	return Result{OK: true, Messages: Messages{Notice: notice}}
}

const genericFailureMessage = "The operation could not be completed. Please try again later or contact support."
