// Package archive defines the capture domain: records persisted by the
// record store, the lifecycle state machine, failure taxonomy, and the
// collaborator interfaces wired together by the worker pool and services.
package archive
