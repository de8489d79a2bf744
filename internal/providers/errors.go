package providers

import "github.com/mercury-rss/agentcore/internal/runtime"

// HTTPError and InvalidResponseError are aliases onto the runtime package's
// error taxonomy, so runtime.Classify recognizes errors raised here without
// this package needing its own classification rules.
type HTTPError = runtime.HTTPError
type InvalidResponseError = runtime.InvalidResponseError
