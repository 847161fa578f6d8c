// Package servo drives the payload-release servo through a hardware PWM pin.
//
// The routine moves to the trigger position, holds, returns to neutral,
// holds again and then stops the PWM signal so the servo does not jitter.
package servo
