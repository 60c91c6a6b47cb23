// Package fs provides the filesystem primitives used while provisioning
// compressed RAM devices.
//
// Descriptor files are written atomically and only when their content
// digest changes, so a generator that runs twice over the same output
// directory leaves the second run's files untouched. Enablement symlinks
// are created with their parent directories. Kernel attributes under
// /sys are written in place, since sysfs does not support rename.
package fs
