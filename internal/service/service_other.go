//go:build !linux

package service

const systemdUnitPath = "/etc/systemd/system"

func installImpl(cfg Config, execPath string) error { return ErrUnsupported }
func uninstallImpl(name string) error               { return ErrUnsupported }
func statusImpl(name string) (string, error)        { return "", ErrUnsupported }
