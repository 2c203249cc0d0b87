// Package api provides the admin HTTP API of the socket server.
package api

// APIVersion represents the admin API version supported by this server.
//
// The api_version field in /admin/status indicates what features are
// available to tooling such as socket-admin.
const (
	// APIVersion1 is the original API version.
	APIVersion1 = 1

	CurrentAPIVersion = APIVersion1
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"sessions",
		"session-kick",
		"session-call",
		"metrics",
	},
}

// StatusResponse is the response from the /admin/status endpoint.
type StatusResponse struct {
	Status        string         `json:"status"`
	Service       string         `json:"service"`
	APIVersion    int            `json:"api_version"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Sessions      int            `json:"sessions"`
	Transports    map[string]int `json:"transports"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}
