// Package capture records outgoing HTTP exchanges per named module.
//
// A Registry installs an Interceptor into an *http.Client's transport. Every call
// on that client is forwarded unchanged; as a side effect the interceptor records:
//   - Request method, URL, headers and body (teed, never consumed)
//   - Response status, headers and body, as the caller reads it
//   - Transport failures, which are passed back to the caller untouched
//
// Modules can be toggled, filtered and encrypted at any time, and the recorded
// items can be read back per module or across all modules.
package capture
