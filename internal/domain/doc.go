// Package domain defines the core realtime types and contracts.
//
// Channel naming and the subscription authorization rule, the domain events producers hand to the
// dispatcher, and the JSON frames exchanged with WebSocket clients. No transport code lives here.
package domain
