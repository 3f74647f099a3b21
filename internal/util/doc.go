// Package util holds small helpers shared by the engine's packages.
package util
