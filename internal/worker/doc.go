// Package worker defines the contract every device-under-test backend
// implements, together with the progress, network and error types shared
// by the physical and virtual workers.
//
// A worker moves through a small set of states:
//
//	Uninitialized -> Ready -> PoweredOff <-> PoweredOn -> TornDown
//
// Setup brings a worker to Ready, PowerOn and PowerOff toggle the DUT, and
// Teardown releases every resource the worker holds. Teardown is the only
// operation allowed after a failed Setup.
//
// Flash progress is delivered through a ProgressFunc passed to each Flash
// call. The callback is never retained once Flash returns.
package worker
