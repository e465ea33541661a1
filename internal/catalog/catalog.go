package catalog

import (
	"github.com/xdhiru/ark-curser/internal/config"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
)

// Worker is one resolved worker variant. The set of variants is closed
// at configuration load; nothing dispatches on raw strings at runtime.
type Worker struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Template string `json:"template"`
}

// Catalog is the immutable worker catalog, shared read-only across all
// state machines.
type Catalog struct {
	byName map[string]Worker
	all    []Worker
	curse  []Worker
}

// builtinProfiles covers a stock install with no workers section
func builtinProfiles() []config.WorkerProfile {
	return []config.WorkerProfile{
		{Name: "Proviso", Category: "trade", Template: "worker-proviso"},
		{Name: "Quartz", Category: "trade", Template: "worker-quartz"},
		{Name: "Tequila", Category: "trade", Template: "worker-tequila"},
		{Name: "Texas", Category: "trade", Template: "worker-texas"},
		{Name: "Lappland", Category: "trade", Template: "worker-lappland"},
		{Name: "Exusiai", Category: "trade", Template: "worker-exusiai"},
	}
}

// New resolves the catalog from configuration. The curse roster must
// resolve completely; an unknown name is a startup failure.
func New(profiles []config.WorkerProfile, curseNames []string) (*Catalog, error) {
	if len(profiles) == 0 {
		profiles = builtinProfiles()
	}

	c := &Catalog{byName: make(map[string]Worker, len(profiles))}
	for _, p := range profiles {
		w := Worker{Name: p.Name, Category: p.Category, Template: p.Template}
		if _, dup := c.byName[w.Name]; dup {
			return nil, apperrors.Configf("duplicate worker %q in catalog", w.Name)
		}
		c.byName[w.Name] = w
		c.all = append(c.all, w)
	}

	for _, name := range curseNames {
		w, ok := c.byName[name]
		if !ok {
			return nil, apperrors.Configf("curse worker %q is not in the catalog", name)
		}
		c.curse = append(c.curse, w)
	}
	if len(c.curse) == 0 {
		return nil, apperrors.Configf("curse worker roster is empty")
	}
	return c, nil
}

// Lookup returns the worker registered under name
func (c *Catalog) Lookup(name string) (Worker, bool) {
	w, ok := c.byName[name]
	return w, ok
}

// CurseWorkers returns the roster installed during a swap-in
func (c *Catalog) CurseWorkers() []Worker {
	return c.curse
}

// All returns every catalog entry
func (c *Catalog) All() []Worker {
	return c.all
}
