// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (playback.go, connection.go, errors.go) hold shared types and the
// contracts that adapters implement. No implementation code beyond value helpers.
package domain
