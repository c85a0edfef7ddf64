// Package utils provides small helpers shared across rmig packages.
//
// # Pointer Utilities (ptr.go)
//
// Optional fields such as a datasource name or a changelog author are modelled as
// pointers. Ptr builds them from literals:
//
//	props := &driver.Properties{
//		Name: utils.Ptr("primary"),
//		URL:  "postgres://rmig@localhost:5432/app",
//	}
package utils
