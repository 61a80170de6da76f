package health

import (
	"context"
	"fmt"
	"strings"
)

// ConnectionStatus reports whether the shared realtime session is up.
// *realtime.Conn satisfies it.
type ConnectionStatus interface {
	Connected() bool
}

// RealtimeChecker fails readiness while the realtime session is down. A
// reconnect in progress counts as down: the robot cannot hold a
// conversation until the session is back.
func RealtimeChecker(conn ConnectionStatus) Checker {
	return Checker{
		Name: "realtime",
		Check: func(_ context.Context) error {
			if !conn.Connected() {
				return fmt.Errorf("realtime session not connected")
			}
			return nil
		},
	}
}

// NodesChecker fails readiness when any node reports an errored status.
// statuses returns the current node-name → status-string snapshot.
func NodesChecker(statuses func() map[string]string) Checker {
	return Checker{
		Name: "nodes",
		Check: func(_ context.Context) error {
			var failed []string
			for name, status := range statuses() {
				if status == "ERROR" {
					failed = append(failed, name)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("nodes in error state: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}
