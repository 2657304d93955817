//go:build darwin

package platform

// DarwinAPI implements WindowAPI and InputAPI for macOS platform
type DarwinAPI struct{}

// NewDarwinAPI creates a new macOS API instance
func NewDarwinAPI() *DarwinAPI {
	return &DarwinAPI{}
}

// NewWindowAPI creates a new WindowAPI instance for macOS
func NewWindowAPI() WindowAPI {
	return NewDarwinAPI()
}

// NewInputAPI creates a new InputAPI instance for macOS
func NewInputAPI() InputAPI {
	return NewDarwinAPI()
}

// FrontmostApp returns the currently focused application on macOS
func (d *DarwinAPI) FrontmostApp() (*AppInfo, error) {
	// TODO: Implement using NSWorkspace.sharedWorkspace.frontmostApplication
	// via a cgo bridge; CGWindowListCopyWindowInfo can supply the title.
	return &AppInfo{
		Name:     "macos-app-placeholder",
		BundleID: "com.placeholder.app",
	}, nil
}

// IdleSeconds returns seconds since the last input event on macOS
func (d *DarwinAPI) IdleSeconds() (float64, error) {
	// TODO: Implement using CGEventSourceSecondsSinceLastEventType
	return 0, nil
}
