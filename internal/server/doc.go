// Package server implements the HTTP and realtime surface of Twis.
//
// The implementation is organized into specialized files for hub management,
// clients, origin checks, routing, and HTTP handlers. Chat rules live in the
// chat package and credentials in the auth package; this package only moves
// bytes between them and the connected browsers.
package server
