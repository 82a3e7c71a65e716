//go:build !linux

package gadget

import "errors"

func syncFilesystems() error {
	return errors.New("usb gadget export is only supported on linux")
}
