// Package s3 implements an AWS S3 Backend for the object-store Provider
// variant: ranged GETs, whole-object PUTs and a batch GetObjects/PutObjects
// pair, a bounded connection pool, and operation/error metrics.
//
// The package does no storage-class cost analysis or tier management
// beyond fixed settings: the CargoShip uploader is configured with the
// Intelligent-Tiering class and each PutObject request sets the Standard
// class.
package s3
