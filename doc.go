// # Go Client Package for Realtime Voice-Agent Sessions
//
// This repository provides a Go package for driving real-time, two-way voice conversations with a remote agent over a duplex WebSocket channel. It is designed to be imported into your own Go projects, providing the core functionality to handle microphone capture with local mute, ordered agent speech playback, session liveness (heartbeat and exit beacon), and the observable session state machine that ties them together.
package voicesession
