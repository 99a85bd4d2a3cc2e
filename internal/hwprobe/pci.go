package hwprobe

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// PCI performs the sysfs writes that attach and detach PCI devices.
type PCI struct {
	fs      afero.Fs
	sysRoot string
}

// NewPCI creates a PCI bus handle. sysRoot is normally "/sys".
func NewPCI(fsys afero.Fs, sysRoot string) *PCI {
	return &PCI{fs: fsys, sysRoot: sysRoot}
}

// Rescan asks the kernel to re-enumerate the PCI bus, which re-attaches
// previously removed devices.
func (b *PCI) Rescan() error {
	if err := b.write(filepath.Join(b.sysRoot, "bus/pci/rescan"), "1"); err != nil {
		return fmt.Errorf("rescanning PCI bus: %w", err)
	}
	return nil
}

// Unbind detaches fn from driver.
func (b *PCI) Unbind(fn Function, driver string) error {
	path := filepath.Join(b.sysRoot, "bus/pci/drivers", driver, "unbind")
	if err := b.write(path, fn.Slot); err != nil {
		return fmt.Errorf("unbinding %s from %s: %w", fn.Slot, driver, err)
	}
	return nil
}

// Bind attaches fn to driver.
func (b *PCI) Bind(fn Function, driver string) error {
	path := filepath.Join(b.sysRoot, "bus/pci/drivers", driver, "bind")
	if err := b.write(path, fn.Slot); err != nil {
		return fmt.Errorf("binding %s to %s: %w", fn.Slot, driver, err)
	}
	return nil
}

// Remove detaches fn from the bus entirely.
func (b *PCI) Remove(fn Function) error {
	if err := b.write(filepath.Join(fn.Path, "remove"), "1"); err != nil {
		return fmt.Errorf("removing %s: %w", fn.Slot, err)
	}
	return nil
}

func (b *PCI) write(path, value string) error {
	return afero.WriteFile(b.fs, path, []byte(value), 0o200)
}
