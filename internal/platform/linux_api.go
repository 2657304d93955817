//go:build linux

package platform

// LinuxAPI implements WindowAPI and InputAPI for Linux platform
type LinuxAPI struct{}

// NewLinuxAPI creates a new Linux API instance
func NewLinuxAPI() *LinuxAPI {
	return &LinuxAPI{}
}

// NewWindowAPI creates a new WindowAPI instance for Linux
func NewWindowAPI() WindowAPI {
	return NewLinuxAPI()
}

// NewInputAPI creates a new InputAPI instance for Linux
func NewInputAPI() InputAPI {
	return NewLinuxAPI()
}

// FrontmostApp returns the currently focused application on Linux
func (l *LinuxAPI) FrontmostApp() (*AppInfo, error) {
	// TODO: Implement using X11 (_NET_ACTIVE_WINDOW + _NET_WM_PID) or the
	// wlr-foreign-toplevel-management protocol on Wayland.
	return &AppInfo{
		Name:     "linux-app-placeholder",
		BundleID: "/usr/bin/placeholder",
	}, nil
}

// IdleSeconds returns seconds since the last input event on Linux
func (l *LinuxAPI) IdleSeconds() (float64, error) {
	// TODO: Implement using the XScreenSaver extension (XSS idle time) or
	// org.freedesktop.ScreenSaver on Wayland desktops.
	return 0, nil
}
