// Package crawler defines the core types, collaborator interfaces, and error
// taxonomy shared by the queue, engine, browser pool, and progress tracker.
package crawler
