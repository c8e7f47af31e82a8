package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	stateDir  = ".cdcfabric"
	stateFile = "state.json"
)

// StatePersister periodically writes the Registry's Snapshot to a JSON
// file so a separate `cdcfabric status` invocation can report on a
// fabric even when it isn't attached to the running process.
type StatePersister struct {
	registry *Registry
	logger   zerolog.Logger
	path     string
	done     chan struct{}
}

// NewStatePersister creates a persister that writes to
// ~/.cdcfabric/state.json.
func NewStatePersister(registry *Registry, logger zerolog.Logger) (*StatePersister, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &StatePersister{
		registry: registry,
		logger:   logger.With().Str("component", "state-persister").Logger(),
		path:     filepath.Join(dir, stateFile),
		done:     make(chan struct{}),
	}, nil
}

// Start begins periodic state file writes every interval.
func (sp *StatePersister) Start(interval time.Duration) {
	go sp.loop(interval)
}

// Stop halts the persister after one final write.
func (sp *StatePersister) Stop() {
	select {
	case <-sp.done:
	default:
		close(sp.done)
	}
	sp.write()
}

func (sp *StatePersister) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sp.done:
			return
		case <-ticker.C:
			sp.write()
		}
	}
}

func (sp *StatePersister) write() {
	snap := sp.registry.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		sp.logger.Err(err).Msg("marshal state")
		return
	}
	tmp := sp.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		sp.logger.Err(err).Msg("write state file")
		return
	}
	if err := os.Rename(tmp, sp.path); err != nil {
		sp.logger.Err(err).Msg("rename state file")
	}
}

// ReadStateFile reads the last-persisted RegistrySnapshot from
// ~/.cdcfabric/state.json.
func ReadStateFile() (*RegistrySnapshot, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, stateDir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap RegistrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
