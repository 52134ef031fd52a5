// Package runtime is the in-process stand-in for the browser host: it owns the
// registration state machine (installing → installed-waiting → active),
// delivers lifecycle events on a serialized dispatcher, waits on every
// Event.WaitUntil unit before considering an event finished, redelivers sync
// events with exponential backoff until they succeed, tracks foreground
// clients, and stores the push subscription. The interception worker never
// mutates registration state directly; it only reaches the host through the
// narrow Host interface.
package runtime
