// Package server hosts the Fiber HTTP surface of the offline gateway. It
// attaches the recover and request-ID middlewares, exposes the /-/sw/ control
// endpoints (message bridge, push injection, sync registration, subscription
// and status), and hands every other request to the interception worker's
// fetch router. The upstream http.Client shared by the worker is also built
// here so transport tunings stay in one place.
package server
