// Package mqtt forwards operational events from the in-process bus to
// an MQTT broker so that dashboards and home automation can watch chat
// traffic and guided workflows without polling the HTTP API.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the forwarder publishes
// a retained "online" birth message to the status topic; a will message
// flips it to "offline" on unexpected disconnects.
//
// Each event is published as JSON to
//
//	<topic_prefix>/events/<source>/<kind>
//
// with QoS 0 and no retain flag. Events that cannot be delivered while
// the broker is unreachable are dropped.
package mqtt
