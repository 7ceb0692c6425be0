package pairing

import (
	customerrors "github.com/bavix/devpair/internal/errors"
)

// App is a third-party app that accepts a pairing file.
type App struct {
	Name string `json:"name"`
	// Path is the file name inside the app's Documents directory.
	Path string `json:"path"`
}

// DefaultApps is the built-in supported app table.
func DefaultApps() []App {
	return []App{
		{Name: "SideStore", Path: "ALTPairingFile.mobiledevicepairing"},
		{Name: "Feather", Path: "pairingFile.plist"},
	}
}

// Apps is an ordered lookup table of supported apps.
type Apps struct {
	list   []App
	byName map[string]App
}

// NewApps builds a table; an empty list falls back to DefaultApps.
func NewApps(list []App) *Apps {
	if len(list) == 0 {
		list = DefaultApps()
	}

	t := &Apps{list: append([]App(nil), list...), byName: make(map[string]App, len(list))}
	for _, a := range t.list {
		t.byName[a.Name] = a
	}

	return t
}

// Names returns the app display names in table order.
func (t *Apps) Names() []string {
	names := make([]string, 0, len(t.list))
	for _, a := range t.list {
		names = append(names, a.Name)
	}

	return names
}

func (t *Apps) List() []App {
	return append([]App(nil), t.list...)
}

// Lookup finds a supported app by display name.
func (t *Apps) Lookup(name string) (App, error) {
	a, ok := t.byName[name]
	if !ok {
		return App{}, customerrors.ErrAppNotSupportedWithName(name)
	}

	return a, nil
}
