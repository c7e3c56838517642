// Package store persists evolution checkpoints. Every document is rewritten
// as a whole after each mutating step.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/domain"
)

// Checkpoint document names.
const (
	DocPopulation = "current_population"
	DocHistory    = "evolution_history"
	DocBest       = "best_strategies"
	DocState      = "evolution_state"
)

// Checkpoint is everything needed to resume a run.
type Checkpoint struct {
	Population []*domain.Genome
	History    map[string][]*domain.Genome
	Best       []*domain.Genome
	State      *domain.EvolutionState
}

// Empty reports whether nothing was loaded.
func (c *Checkpoint) Empty() bool {
	return c == nil || (len(c.Population) == 0 && len(c.History) == 0 && len(c.Best) == 0 && c.State == nil)
}

// Checkpointer writes and reads checkpoint documents.
type Checkpointer interface {
	SaveCurrentPopulation(ctx context.Context, genomes []*domain.Genome) error
	SaveHistory(ctx context.Context, history map[string][]*domain.Genome) error
	SaveBestStrategies(ctx context.Context, genomes []*domain.Genome) error
	SaveState(ctx context.Context, state *domain.EvolutionState) error

	// Load returns the stored checkpoint. Missing documents are left empty.
	Load(ctx context.Context) (*Checkpoint, error)
}

// documentStore is the raw byte layer shared by the backends.
type documentStore interface {
	put(ctx context.Context, name string, data []byte) error
	get(ctx context.Context, name string) ([]byte, error)
}

// documents implements Checkpointer on top of a documentStore.
type documents struct {
	backend documentStore
}

func (d documents) SaveCurrentPopulation(ctx context.Context, genomes []*domain.Genome) error {
	data, err := EncodePopulation(DocPopulation, genomes)
	if err != nil {
		return err
	}
	return d.backend.put(ctx, DocPopulation, data)
}

func (d documents) SaveHistory(ctx context.Context, history map[string][]*domain.Genome) error {
	data, err := EncodeHistory(history)
	if err != nil {
		return err
	}
	return d.backend.put(ctx, DocHistory, data)
}

func (d documents) SaveBestStrategies(ctx context.Context, genomes []*domain.Genome) error {
	data, err := EncodePopulation(DocBest, genomes)
	if err != nil {
		return err
	}
	return d.backend.put(ctx, DocBest, data)
}

func (d documents) SaveState(ctx context.Context, state *domain.EvolutionState) error {
	if state == nil {
		return fmt.Errorf("%w: state is nil", domain.ErrInvalidInput)
	}
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	return d.backend.put(ctx, DocState, data)
}

func (d documents) Load(ctx context.Context) (*Checkpoint, error) {
	cp := &Checkpoint{History: make(map[string][]*domain.Genome)}

	if data, err := d.backend.get(ctx, DocPopulation); err != nil {
		return nil, err
	} else if data != nil {
		if cp.Population, err = DecodePopulation(DocPopulation, data); err != nil {
			return nil, err
		}
	}

	if data, err := d.backend.get(ctx, DocHistory); err != nil {
		return nil, err
	} else if data != nil {
		if cp.History, err = DecodeHistory(data); err != nil {
			return nil, err
		}
	}

	if data, err := d.backend.get(ctx, DocBest); err != nil {
		return nil, err
	} else if data != nil {
		if cp.Best, err = DecodePopulation(DocBest, data); err != nil {
			return nil, err
		}
	}

	if data, err := d.backend.get(ctx, DocState); err != nil {
		return nil, err
	} else if data != nil {
		if cp.State, err = DecodeState(data); err != nil {
			return nil, err
		}
	}

	return cp, nil
}

// FileStore keeps one JSON file per document in a directory.
type FileStore struct {
	documents
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: checkpoint directory is empty", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	fs := &FileStore{dir: dir}
	fs.documents = documents{backend: &fileBackend{dir: dir, logger: logger}}

	logger.Info("File checkpoint store ready", zap.String("dir", dir))
	return fs, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

type fileBackend struct {
	dir    string
	logger *zap.Logger
}

func (b *fileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

// put writes to a temporary file and renames it over the document.
func (b *fileBackend) put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, b.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	b.logger.Debug("Checkpoint document written",
		zap.String("document", name),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (b *fileBackend) get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Ensure interface compliance
var _ Checkpointer = (*FileStore)(nil)
