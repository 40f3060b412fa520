// Package selection decides which users are due a record request in a given
// minute.
//
// Scheduled minutes are a pure function of (user id, date, request index), so
// any number of scheduler instances agree without coordination. Nothing in
// this package keeps state between calls.
package selection
