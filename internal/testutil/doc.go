// Package testutil provides test doubles and fixtures for the engine: a
// controllable clock, in-memory clients with lookup counting, Basic header
// builders and PKCE pairs.
package testutil
