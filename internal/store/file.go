package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/selftestd/internal/lock"
	"github.com/msageha/selftestd/internal/logging"
	"github.com/msageha/selftestd/internal/model"
	yamlutil "github.com/msageha/selftestd/internal/yaml"
)

const lastRunFile = "last_run.yaml"

// FileStore keeps the result document as YAML. Every write goes through
// yamlutil.AtomicWrite; a document that fails to parse is quarantined and
// replaced by its backup, or by an empty skeleton.
type FileStore struct {
	path      string
	stateDir  string
	toolCount int
	locks     *lock.MutexMap
	logger    *logging.Logger
	now       func() time.Time
}

// NewFileStore stores results at path; corrupt files are moved under
// stateDir/quarantine.
func NewFileStore(path, stateDir string, toolCount int, logger *logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if stateDir == "" {
		stateDir = filepath.Dir(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileStore{
		path:      path,
		stateDir:  stateDir,
		toolCount: toolCount,
		locks:     lock.NewMutexMap(),
		logger:    logger.With("store"),
		now:       time.Now,
	}, nil
}

// Path returns the results document path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) lastRunPath() string {
	return filepath.Join(filepath.Dir(s.path), lastRunFile)
}

func (s *FileStore) LoadResult() (model.SelftestResult, error) {
	var doc model.ResultDocument
	err := s.locks.WithLock(s.path, func() error {
		var err error
		doc, err = s.readResults()
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return model.NewSelftestResult(s.toolCount), nil
	}
	if err != nil {
		return model.SelftestResult{}, err
	}
	return doc.Result, nil
}

func (s *FileStore) SaveResult(r model.SelftestResult) error {
	return s.updateResults(func(doc *model.ResultDocument) {
		doc.Result = fitTools(r.Clone(), s.toolCount)
	})
}

func (s *FileStore) LoadFlags() (model.AutoRunFlags, error) {
	var doc model.ResultDocument
	err := s.locks.WithLock(s.path, func() error {
		var err error
		doc, err = s.readResults()
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return defaultFlags(), nil
	}
	if err != nil {
		return model.AutoRunFlags{}, err
	}
	return doc.Flags, nil
}

func (s *FileStore) SaveFlags(f model.AutoRunFlags) error {
	return s.updateResults(func(doc *model.ResultDocument) {
		doc.Flags = f
	})
}

func (s *FileStore) ClearAutoRunFlags() error {
	return s.SaveFlags(model.AutoRunFlags{})
}

func (s *FileStore) SaveLastRun(r model.RunRecord) error {
	path := s.lastRunPath()
	return s.locks.WithLock(path, func() error {
		doc := model.LastRunDocument{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      yamlutil.FileTypeLastRun,
			Run:           &r,
		}
		if err := yamlutil.AtomicWrite(path, doc); err != nil {
			return fmt.Errorf("write last run: %w", err)
		}
		return nil
	})
}

func (s *FileStore) LastRun() (model.RunRecord, error) {
	path := s.lastRunPath()
	var doc model.LastRunDocument
	err := s.locks.WithLock(path, func() error {
		return s.load(path, yamlutil.FileTypeLastRun, &doc)
	})
	if err != nil {
		return model.RunRecord{}, err
	}
	if doc.Run == nil {
		return model.RunRecord{}, ErrNotFound
	}
	return *doc.Run, nil
}

// updateResults applies fn to the current document and writes it back under
// the path lock.
func (s *FileStore) updateResults(fn func(*model.ResultDocument)) error {
	return s.locks.WithLock(s.path, func() error {
		doc, err := s.readResults()
		if errors.Is(err, ErrNotFound) {
			doc = s.emptyDocument()
		} else if err != nil {
			return err
		}
		fn(&doc)
		doc.SchemaVersion = yamlutil.CurrentSchemaVersion
		doc.FileType = yamlutil.FileTypeResults
		doc.UpdatedAt = s.now().UTC().Format(time.RFC3339)
		if err := yamlutil.AtomicWrite(s.path, doc); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		return nil
	})
}

func (s *FileStore) emptyDocument() model.ResultDocument {
	return model.ResultDocument{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeResults,
		Result:        model.NewSelftestResult(s.toolCount),
		Flags:         defaultFlags(),
	}
}

// readResults must be called with the path lock held.
func (s *FileStore) readResults() (model.ResultDocument, error) {
	var doc model.ResultDocument
	if err := s.load(s.path, yamlutil.FileTypeResults, &doc); err != nil {
		return model.ResultDocument{}, err
	}
	doc.Result = fitTools(doc.Result, s.toolCount)
	return doc, nil
}

// load decodes path, recovering it once if it is corrupt.
func (s *FileStore) load(path, fileType string, out any) error {
	err := yamlutil.LoadDocument(path, fileType, out)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err == nil {
		return nil
	}

	s.logger.Warnf("corrupt document path=%s error=%v, recovering", path, err)
	rec, rerr := yamlutil.RecoverCorruptedFile(s.stateDir, path, fileType, s.now())
	if rerr != nil {
		return fmt.Errorf("recover %s: %w", path, rerr)
	}
	s.logger.Warnf("recovered path=%s quarantined_to=%s from_backup=%t", path, rec.QuarantinedTo, rec.FromBackup)
	if err := yamlutil.LoadDocument(path, fileType, out); err != nil {
		return fmt.Errorf("load %s after recovery: %w", path, err)
	}
	return nil
}
