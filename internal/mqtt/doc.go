// Package mqtt connects Kiki to an MQTT broker for remote monitoring and
// control.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic,
// subscribes to the command topic and, when a discovery prefix is
// configured, publishes retained Home Assistant discovery payloads for
// the status sensors. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability  "online" | "offline" (retained)
//	<prefix>/status        governor and usage JSON (retained)
//	<prefix>/command       "pause", "resume" or "limit <n>"
package mqtt
