// Package motor executes robot_action batches on the actuation hardware.
// The concrete drivers live outside this module; components receive a
// [Controller] capability and robots without one degrade to a typed
// not-available error instead of crashing.
package motor

import (
	"context"
	"fmt"
	"log/slog"
)

// ErrNotAvailable is returned by controllers on hardware that has no
// actuation capability. Callers record a hardware error and carry on.
var ErrNotAvailable = fmt.Errorf("motor: controller not available")

// Controller performs one named gesture or movement at the given speed.
type Controller interface {
	Perform(ctx context.Context, name, speed string) error
}

// Unavailable is the capability stub for robots without motors.
type Unavailable struct{}

var _ Controller = Unavailable{}

// Perform always reports the missing capability.
func (Unavailable) Perform(ctx context.Context, name, speed string) error {
	return fmt.Errorf("%w: %s:%s", ErrNotAvailable, name, speed)
}

// LogController pretends to actuate by logging, for development machines.
type LogController struct{}

var _ Controller = LogController{}

// Perform logs the action and succeeds.
func (LogController) Perform(ctx context.Context, name, speed string) error {
	slog.Info("gesture performed", "gesture", name, "speed", speed)
	return nil
}
