// Package drivers groups database/sql driver registrations so heavy
// dependencies stay out of package tests unless a binary explicitly
// imports this package.
package drivers

// Ready is a no-op used by main packages to make the import explicit.
func Ready() {}
