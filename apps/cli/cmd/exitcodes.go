package cmd

// Exit codes for hitcapture CLI
const (
	// ExitSuccess indicates the command completed
	ExitSuccess = 0

	// ExitFailure indicates a generic failure
	ExitFailure = 1

	// ExitInvalidItems indicates validate found items that do not match the schema
	ExitInvalidItems = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64
)
