// Package integration runs board scenarios against a live server. The tests
// skip unless TASKBOARD_URL points at a reachable instance.
package integration
