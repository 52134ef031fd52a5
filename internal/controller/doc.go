// Package controller implements the foreground side of the offline gateway.
//
// The Controller registers the interception worker with the host runtime,
// re-checks for updates on a fixed interval, and when a new version becomes
// ready while an old one still controls the page, asks for a decision and
// drives the forced activation plus full reload. It also owns the two small
// foreground state machines: the one-shot install prompt handle and the
// network status observer that schedules background sync on reconnect.
package controller
