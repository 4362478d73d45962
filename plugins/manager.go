package plugins

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"specter/database"
	"specter/events"
	"specter/logger"
	"specter/models"
)

type managedPlugin struct {
	record models.PluginRecord
	engine *Engine
}

// Manager owns the set of loaded plugins and their lifecycle. The scan
// pipeline takes snapshots of the enabled engines, so enable/disable never
// races a scan in progress.
type Manager struct {
	dir    string
	opts   Options
	broker *events.Broker

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

// NewManager creates a manager over the given plugin directory. Call
// ScanDirectory to populate it.
func NewManager(dir string, opts Options, broker *events.Broker) *Manager {
	return &Manager{
		dir:     dir,
		opts:    opts,
		broker:  broker,
		plugins: make(map[string]*managedPlugin),
	}
}

// ScanDirectory loads every .tengo script in the plugin directory. Scripts
// that fail to load are registered with status error instead of aborting the
// scan. New plugins register as loaded and wait for an explicit Enable unless
// AutoEnable is set; enable/disable choices the operator already made persist
// across restarts via the registry.
func (m *Manager) ScanDirectory() error {
	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return fmt.Errorf("failed to create plugin directory %s: %w", m.dir, err)
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory %s: %w", m.dir, err)
	}

	priorStatus := make(map[string]string)
	if records, err := database.ListPluginRecords(); err == nil {
		for _, rec := range records {
			priorStatus[rec.ID] = rec.Status
		}
	} else {
		logger.Warn("Could not read plugin registry, treating all plugins as new: %v", err)
	}

	loaded, failed := 0, 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tengo") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if _, err := m.loadOne(path, priorStatus); err != nil {
			logger.Error("Failed to load plugin %s: %v", path, err)
			failed++
			continue
		}
		loaded++
	}

	logger.Info("Plugin scan of %s complete: %d loaded, %d failed", m.dir, loaded, failed)
	return nil
}

// LoadFile loads (or reloads) a single script by path and returns its record.
func (m *Manager) LoadFile(path string) (models.PluginRecord, error) {
	priorStatus := make(map[string]string)
	if records, err := database.ListPluginRecords(); err == nil {
		for _, rec := range records {
			priorStatus[rec.ID] = rec.Status
		}
	}
	return m.loadOne(path, priorStatus)
}

// LoadSource writes an inline script into the plugin directory under the
// given filename and loads it. The filename is reduced to its base name so
// callers cannot write outside the directory.
func (m *Manager) LoadSource(filename, source string) (models.PluginRecord, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return models.PluginRecord{}, fmt.Errorf("invalid plugin filename %q", filename)
	}
	if !strings.HasSuffix(base, ".tengo") {
		base += ".tengo"
	}

	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return models.PluginRecord{}, fmt.Errorf("failed to create plugin directory %s: %w", m.dir, err)
	}
	path := filepath.Join(m.dir, base)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return models.PluginRecord{}, fmt.Errorf("failed to write plugin source to %s: %w", path, err)
	}
	return m.LoadFile(path)
}

func (m *Manager) loadOne(path string, priorStatus map[string]string) (models.PluginRecord, error) {
	engine, err := NewEngine(path, m.opts)
	if err != nil {
		rec := m.registerLoadFailure(path, err)
		return rec, err
	}

	meta := engine.Metadata()
	status := models.PluginStatusLoaded
	if m.opts.AutoEnable {
		status = models.PluginStatusEnabled
	}
	switch priorStatus[meta.ID] {
	case models.PluginStatusEnabled:
		status = models.PluginStatusEnabled
	case models.PluginStatusDisabled:
		status = models.PluginStatusDisabled
	}

	rec := models.PluginRecord{
		PluginMetadata: meta,
		Status:         status,
		SourcePath:     path,
	}

	m.mu.Lock()
	if existing, ok := m.plugins[meta.ID]; ok && existing.engine != nil {
		// Reload replaces the engine; let outstanding calls finish first.
		existing.engine.Drain()
	}
	m.plugins[meta.ID] = &managedPlugin{record: rec, engine: engine}
	m.mu.Unlock()

	if err := database.UpsertPluginRecord(rec); err != nil {
		logger.Warn("Could not persist registry row for plugin %s: %v", meta.ID, err)
	}
	m.publishStatus(meta.ID, status, "")
	return rec, nil
}

// registerLoadFailure records a script that would not load so the operator
// can see it and its error in the plugin list.
func (m *Manager) registerLoadFailure(path string, loadErr error) models.PluginRecord {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	rec := models.PluginRecord{
		PluginMetadata: models.PluginMetadata{
			ID:              id,
			Name:            id,
			Version:         "0.0.0",
			DefaultSeverity: models.SeverityMedium,
		},
		Status:       models.PluginStatusError,
		SourcePath:   path,
		ErrorMessage: models.NullString(loadErr.Error()),
	}

	m.mu.Lock()
	m.plugins[id] = &managedPlugin{record: rec}
	m.mu.Unlock()

	if err := database.UpsertPluginRecord(rec); err != nil {
		logger.Warn("Could not persist registry row for failed plugin %s: %v", id, err)
	}
	m.publishStatus(id, models.PluginStatusError, loadErr.Error())
	return rec
}

// Enable marks a plugin eligible for scan dispatch. A plugin in the error
// state is re-loaded from its source first.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	p, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown plugin: %s", id)
	}
	if p.engine == nil {
		sourcePath := p.record.SourcePath
		m.mu.Unlock()
		if _, err := m.LoadFile(sourcePath); err != nil {
			return fmt.Errorf("plugin %s failed to reload: %w", id, err)
		}
		return m.Enable(id)
	}
	p.record.Status = models.PluginStatusEnabled
	p.record.ErrorMessage = models.NullString("")
	rec := p.record
	m.mu.Unlock()

	if err := database.UpsertPluginRecord(rec); err != nil {
		logger.Warn("Could not persist enable for plugin %s: %v", id, err)
	}
	m.publishStatus(id, models.PluginStatusEnabled, "")
	logger.Info("Plugin %s enabled", id)
	return nil
}

// Disable removes a plugin from scan dispatch and waits for its in-flight
// calls to drain. Workers holding an older snapshot may still finish one last
// call against it; the drain covers those too.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	p, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown plugin: %s", id)
	}
	p.record.Status = models.PluginStatusDisabled
	rec := p.record
	engine := p.engine
	m.mu.Unlock()

	if engine != nil {
		engine.Drain()
	}

	if err := database.UpsertPluginRecord(rec); err != nil {
		logger.Warn("Could not persist disable for plugin %s: %v", id, err)
	}
	m.publishStatus(id, models.PluginStatusDisabled, "")
	logger.Info("Plugin %s disabled", id)
	return nil
}

// Remove unloads a plugin and deletes its registry row. The script file on
// disk is left alone.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	p, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown plugin: %s", id)
	}
	delete(m.plugins, id)
	engine := p.engine
	m.mu.Unlock()

	if engine != nil {
		engine.Drain()
	}

	if err := database.DeletePluginRecord(id); err != nil && err != sql.ErrNoRows {
		logger.Warn("Could not delete registry row for plugin %s: %v", id, err)
	}
	m.publishStatus(id, "removed", "")
	logger.Info("Plugin %s removed", id)
	return nil
}

// Get returns the record for one plugin.
func (m *Manager) Get(id string) (models.PluginRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[id]
	if !ok {
		return models.PluginRecord{}, false
	}
	return p.record, true
}

// List returns all plugin records sorted by ID.
func (m *Manager) List() []models.PluginRecord {
	m.mu.RLock()
	records := make([]models.PluginRecord, 0, len(m.plugins))
	for _, p := range m.plugins {
		records = append(records, p.record)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// EnabledEngines returns a snapshot of the engines eligible for dispatch,
// sorted by plugin ID for deterministic scan order.
func (m *Manager) EnabledEngines() []*Engine {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.plugins))
	for _, p := range m.plugins {
		if p.record.Status == models.PluginStatusEnabled && p.engine != nil {
			engines = append(engines, p.engine)
		}
	}
	m.mu.RUnlock()

	sort.Slice(engines, func(i, j int) bool {
		return engines[i].Metadata().ID < engines[j].Metadata().ID
	})
	return engines
}

func (m *Manager) publishStatus(id, status, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(events.TypePluginStatusChanged, events.PluginStatusChanged{
		PluginID:  id,
		NewStatus: status,
		Message:   message,
	})
}
