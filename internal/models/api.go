// Package models defines the core data structures for ShopPipe: queued
// messages, orders, stock and restock subscriptions, the candidates the
// generators emit, and the JSON envelope of the operator API.
package models

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK        APIStatus = "ok"
	APIStatusError     APIStatus = "error"
	APIStatusScheduled APIStatus = "scheduled" // the request queued a message
)

// APIResponse is the envelope returned by every operator endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

func respond(status APIStatus, message string, result interface{}) APIResponse {
	return APIResponse{Status: string(status), Message: message, Result: result}
}

// Success wraps result in an ok response.
func Success(result interface{}) APIResponse {
	return respond(APIStatusOK, "", result)
}

// SuccessWithMessage is Success with a human-readable note.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return respond(APIStatusOK, message, result)
}

// Error builds an error response carrying message only.
func Error(message string) APIResponse {
	return respond(APIStatusError, message, nil)
}

// ScheduledWithResult reports a queued message.
func ScheduledWithResult(msg *QueuedMessage) APIResponse {
	return respond(APIStatusScheduled, "", msg)
}
