// Package registry provides concurrency-safe connection registries keyed
// by identity tuples, with reverse lookup by connection id for cleanup.
package registry
