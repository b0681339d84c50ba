// Package process supervises a long-running child daemon.
//
// The daemon runs in its own process group so shutdown reaches anything it
// spawns. Unexpected exits are restarted with exponential backoff; a run that
// stays up past StableAfter resets the backoff. An optional Probe is polled
// while the child runs and kills it after repeated failures.
//
// Typical use is a CAN gateway daemon that the N2K bridge dials:
//
//	sup, err := process.New(process.Spec{
//	    Name:   "n2kd",
//	    Binary: "/usr/bin/actisense-serial",
//	    Args:   []string{"-r", "/dev/ttyUSB0"},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
