// Package api exposes the HTTP surface for managing agents, submitting
// workflow triggers, and observing workflow progress. It serves JSON REST
// endpoints plus a server-sent-events stream for live workflow updates.
package api
