//go:build windows

package platform

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	psapi                        = windows.NewLazySystemDLL("psapi.dll")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procGetLastInputInfo         = user32.NewProc("GetLastInputInfo")
	procGetTickCount             = kernel32.NewProc("GetTickCount")
	procOpenProcess              = kernel32.NewProc("OpenProcess")
	procCloseHandle              = kernel32.NewProc("CloseHandle")
	procGetModuleFileNameExW     = psapi.NewProc("GetModuleFileNameExW")
)

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// WindowsAPI implements WindowAPI and InputAPI for Windows platform
type WindowsAPI struct{}

// NewWindowsAPI creates a new Windows API instance
func NewWindowsAPI() *WindowsAPI {
	return &WindowsAPI{}
}

// NewWindowAPI creates a new WindowAPI instance for Windows
func NewWindowAPI() WindowAPI {
	return NewWindowsAPI()
}

// NewInputAPI creates a new InputAPI instance for Windows
func NewInputAPI() InputAPI {
	return NewWindowsAPI()
}

// FrontmostApp returns the currently focused application. The executable
// path doubles as the stable identity since Windows has no bundle ids.
func (w *WindowsAPI) FrontmostApp() (*AppInfo, error) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return nil, nil
	}

	var processID uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&processID)))
	if processID == 0 {
		return nil, fmt.Errorf("no process for foreground window")
	}

	// Open process with PROCESS_QUERY_INFORMATION | PROCESS_VM_READ
	hProcess, _, _ := procOpenProcess.Call(0x0400|0x0010, 0, uintptr(processID))
	if hProcess == 0 {
		return nil, fmt.Errorf("opening process %d failed", processID)
	}
	defer procCloseHandle.Call(hProcess)

	var buffer [windows.MAX_PATH]uint16
	ret, _, _ := procGetModuleFileNameExW.Call(hProcess, 0, uintptr(unsafe.Pointer(&buffer[0])), windows.MAX_PATH)
	if ret == 0 {
		return nil, fmt.Errorf("reading executable path for process %d failed", processID)
	}
	exePath := windows.UTF16ToString(buffer[:])
	if exePath == "" {
		return nil, fmt.Errorf("empty executable path for process %d", processID)
	}

	filename := filepath.Base(exePath)
	name := strings.TrimSuffix(filename, filepath.Ext(filename))

	return &AppInfo{
		Name:        name,
		BundleID:    exePath,
		WindowTitle: windowTitle(hwnd),
	}, nil
}

func windowTitle(hwnd uintptr) string {
	var title [512]uint16
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&title[0])), uintptr(len(title)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(title[:n])
}

// IdleSeconds returns seconds since the last input event, computed from
// GetLastInputInfo against the session tick count. Both are 32-bit
// millisecond counters; the unsigned subtraction stays correct across the
// ~49 day wraparound.
func (w *WindowsAPI) IdleSeconds() (float64, error) {
	info := lastInputInfo{cbSize: uint32(unsafe.Sizeof(lastInputInfo{}))}
	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("GetLastInputInfo failed: %w", err)
	}

	ticks, _, _ := procGetTickCount.Call()
	elapsed := uint32(ticks) - info.dwTime
	return float64(elapsed) / 1000.0, nil
}
