// Package testutil provides in-memory stand-ins for the object store and the
// warehouse.
package testutil
