// Package types holds value types shared between storage backend packages,
// kept separate so those packages don't need to import each other just for
// a metadata struct.
package types
