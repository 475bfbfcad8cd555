// Package report implements the error channel shared by the wrapper, tasks
// and attempt packages.
//
// Nothing reported via this package is fatal. Failures are classified by
// [Kind], logged locally, and, for the first (critical) failure of a
// session, delivered on a best effort basis to a remote [Sink]. Delivery
// failures are swallowed.
package report
