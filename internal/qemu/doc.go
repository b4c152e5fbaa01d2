// Package qemu implements the virtual worker: a QEMU guest managed through
// libvirt that boots the flashed image as its only disk.
//
// The worker owns its own libvirtd and virtlogd processes. Objects it
// creates (storage pool, network, domain) are transient and named with a
// fresh identifier each time, so a crashed worker never leaves behind
// definitions that collide with the next run.
//
// A Worker has no internal locking. Callers serialize operations.
package qemu
