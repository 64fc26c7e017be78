// Package ids generates the connection and call identifiers used across
// the relay and the client.
package ids

import "github.com/google/uuid"

// NewConnID returns the identifier for one websocket connection.
func NewConnID() string { return uuid.NewString() }

// NewCallID returns the identifier for one call session.
func NewCallID() string { return uuid.NewString() }
