package catalog

import "errors"

// Sentinel errors returned by the catalog package. store wraps these into
// its public error-kind taxonomy (§7); catalog itself stays free of that
// layering so it can be exercised directly in its own tests.
var (
	ErrModuleExists      = errors.New("catalog: module already installed")
	ErrModuleNotFound    = errors.New("catalog: module not found")
	ErrDependencyMissing = errors.New("catalog: dependency module not installed")
	ErrModuleHasDependents = errors.New("catalog: module has dependent modules")
	ErrRPCNotFound       = errors.New("catalog: rpc not found")
	ErrSubscriptionNotFound = errors.New("catalog: subscription not found")
)
