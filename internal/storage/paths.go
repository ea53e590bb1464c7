package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves every file the tool persists under the data directory.
type Paths struct {
	dataDir string
}

func NewPaths(dataDir string) (*Paths, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	return &Paths{dataDir: dataDir}, nil
}

func (p *Paths) DataDir() string {
	return p.dataDir
}

func (p *Paths) Database() string {
	return filepath.Join(p.dataDir, "app.db")
}

func (p *Paths) RunState() string {
	return filepath.Join(p.dataDir, "runstate.json")
}

func (p *Paths) StorageState() string {
	return filepath.Join(p.dataDir, "storageState.json")
}

func (p *Paths) Selectors() string {
	return filepath.Join(p.dataDir, "SELECTORS.md")
}

func (p *Paths) LogsDir() (string, error) {
	dir := filepath.Join(p.dataDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create logs dir %s: %w", dir, err)
	}

	return dir, nil
}

func (p *Paths) EvidenceDir() (string, error) {
	dir := filepath.Join(p.dataDir, "logs", "evidence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir %s: %w", dir, err)
	}

	return dir, nil
}
