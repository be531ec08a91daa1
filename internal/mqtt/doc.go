// Package mqtt bridges MaiBot to chat platforms over an MQTT broker.
// Platform adapters publish raw wire messages to the inbound topic;
// each one becomes a turn. Delivered reply segments are published as
// JSON to <outbound_topic>/<stream_id> for the adapter to send.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the inbound topic and publishes a retained birth
// message ("online") to the availability topic. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt
