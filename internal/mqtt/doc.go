// Package mqtt relays operational events to an MQTT broker so that
// dashboards and home automation can watch the agent work.
//
// Every event published on the bus goes out as a JSON payload on
// <prefix>/events/<source>/<kind>. A retained availability topic
// (<prefix>/availability) reads "online" while connected; a will
// message flips it to "offline" on unexpected disconnects. A retained
// daily usage summary is refreshed on <prefix>/usage.
//
// The relay uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Events that arrive while the
// broker is unreachable are dropped; the relay never slows the bus.
package mqtt
