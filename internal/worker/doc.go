// Package worker implements the interception layer of the offline gateway.
//
// A Worker owns every cache partition. It intercepts outbound requests on
// the HTTP surface and resolves them through a fixed strategy table: admin
// and API paths bypass the cache entirely, static assets are served
// cache-first from the versioned static partition, and everything else is
// network-first with the dynamic partition as fallback. Lifecycle events
// (install, activate, sync, push, notificationclick, message) are delivered
// by the host runtime; install atomically populates a staged static
// partition and activate purges partitions left behind by older versions.
package worker
