package platform

// AppInfo identifies the frontmost application.
type AppInfo struct {
	// Name is the display identity (executable or app name).
	Name string `json:"name"`
	// BundleID is the stable identity when the platform provides one
	// (bundle identifier, executable path). Empty when unavailable.
	BundleID string `json:"bundleId"`
	// WindowTitle is the focused window's title, best effort.
	WindowTitle string `json:"windowTitle"`
}

// WindowAPI defines the interface for platform-specific window operations
type WindowAPI interface {
	// FrontmostApp returns the currently focused application.
	// Returns (nil, nil) when no window has focus (lock screen, desktop).
	FrontmostApp() (*AppInfo, error)
}

// InputAPI defines the interface for platform-specific input observation
type InputAPI interface {
	// IdleSeconds returns seconds elapsed since the last user input event.
	IdleSeconds() (float64, error)
}
