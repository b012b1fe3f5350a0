// Package testutil provides shared test helpers for LastDance.
//
// Philosophy:
// - Prefer real unix sockets and real processes over mocks where it is cheap.
// - Keep helpers small, composable, and deterministic.
// - Register cleanup via t.Cleanup so tests stay leak-free.
package testutil
