// Package templates renders the public HTML pages.
package templates

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"

	"roadfix/internal/domain"
)

//go:embed layouts/*.html pages/*.html
var embedded embed.FS

const layoutPath = "layouts/base.html"

// Manager handles template loading and caching
type Manager struct {
	fsys    fs.FS
	debug   bool
	cache   map[string]*template.Template
	mu      sync.RWMutex
	funcMap template.FuncMap
}

// NewManager creates a template manager over fsys, or the embedded pages when
// fsys is nil. In debug mode templates are reparsed on every render.
func NewManager(fsys fs.FS, debug bool) (*Manager, error) {
	if fsys == nil {
		fsys = embedded
	}

	m := &Manager{
		fsys:  fsys,
		debug: debug,
		cache: make(map[string]*template.Template),
		funcMap: template.FuncMap{
			"formatDate":  formatDate,
			"formatTime":  formatTime,
			"statusBadge": statusBadge,
			"statusLabel": statusLabel,
		},
	}

	if !debug {
		if err := m.loadTemplates(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Default returns a manager over the embedded pages. They are compiled into
// the binary, so a parse failure is a programming error.
func Default() *Manager {
	m, err := NewManager(nil, false)
	if err != nil {
		panic(err)
	}
	return m
}

// loadTemplates parses every page together with the layout
func (m *Manager) loadTemplates() error {
	pages, err := fs.Glob(m.fsys, "pages/*.html")
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		tmpl, err := m.parse(p)
		if err != nil {
			return err
		}
		m.cache[path.Base(p)] = tmpl
	}
	return nil
}

func (m *Manager) parse(page string) (*template.Template, error) {
	tmpl, err := template.New(path.Base(page)).Funcs(m.funcMap).ParseFS(m.fsys, layoutPath, page)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", page, err)
	}
	return tmpl, nil
}

// Render renders page name (e.g. "track.html") inside the layout
func (m *Manager) Render(w io.Writer, name string, data interface{}) error {
	if m.debug {
		tmpl, err := m.parse(path.Join("pages", name))
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.cache[name] = tmpl
		m.mu.Unlock()
	}

	m.mu.RLock()
	tmpl, ok := m.cache[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}

	return tmpl.ExecuteTemplate(w, "base", data)
}

// Template helper functions

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("02 Jan 2006")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04 MST")
}

func statusBadge(status domain.RequestStatus) string {
	badges := map[domain.RequestStatus]string{
		domain.StatusPending:    "secondary",
		domain.StatusQuoted:     "primary",
		domain.StatusAccepted:   "primary",
		domain.StatusInProgress: "warning",
		domain.StatusCompleted:  "success",
		domain.StatusCancelled:  "error",
	}
	if badge, ok := badges[status]; ok {
		return badge
	}
	return "secondary"
}

func statusLabel(status domain.RequestStatus) string {
	if label, ok := domain.RequestStatusLabel[status]; ok {
		return label
	}
	return string(status)
}
