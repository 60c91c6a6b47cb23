package config

// Invocation is what one run of the binary was asked to do: exactly one of
// Generate, SetupOne or ResetOne.
type Invocation interface {
	isInvocation()
}

// Generate writes units for Devices into OutputDir.
type Generate struct {
	Devices   []Device
	OutputDir string
}

// SetupOne configures and formats the device called Name. Device is nil when
// no configuration exists for it.
type SetupOne struct {
	Device *Device
	Name   string
}

// ResetOne tears down the device called Name, without consulting configuration.
type ResetOne struct {
	Name string
}

func (Generate) isInvocation() {}
func (SetupOne) isInvocation() {}
func (ResetOne) isInvocation() {}
