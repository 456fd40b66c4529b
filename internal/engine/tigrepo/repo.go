// Package tigrepo is the Tig repository engine: revisions, the working-copy
// pointer and an operation log in a badger database under .tig/db, with file
// content in a content-addressed blob store.
package tigrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"tigdiff/internal/engine"
	tigerrors "tigdiff/internal/errors"
	"tigdiff/internal/safe"
	"tigdiff/internal/storage"
)

const (
	ControlDirName = ".tig"
	dbDirName      = "db"
)

type Options struct {
	Author string
	// Directory names never recorded into a revision.
	Ignore []string
	Safe   safe.Options
}

func DefaultOptions() Options {
	return Options{
		Author: "tig",
		Ignore: []string{".git", "node_modules"},
		Safe:   safe.DefaultOptions(),
	}
}

type Repo struct {
	workDir string
	opts    Options

	db         *badger.DB
	blobs      *safe.Safe
	revisions  *storage.Store[Revision]
	views      *storage.Store[View]
	operations *storage.Store[Operation]

	// serializes read-modify-write of the view
	mu sync.Mutex
}

var _ engine.Handle = (*Repo)(nil)

// Opener adapts Open to the engine.Opener shape.
func Opener(opts Options) engine.Opener {
	return func(workDir string) (engine.Handle, error) {
		return Open(workDir, opts)
	}
}

// Init creates a repository in workDir with a root revision and an empty
// working-copy revision on top of it.
func Init(workDir string, opts Options) (*Repo, error) {
	controlDir := filepath.Join(workDir, ControlDirName)
	if _, err := os.Stat(controlDir); err == nil {
		return nil, fmt.Errorf("repository already exists at %s", workDir)
	}
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return nil, fmt.Errorf("creating control directory: %w", err)
	}

	r, err := openDB(workDir, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	root := Revision{
		ID:        uuid.NewString(),
		ChangeID:  uuid.NewString(),
		Author:    opts.Author,
		Timestamp: now,
	}
	wc := Revision{
		ID:        uuid.NewString(),
		ChangeID:  uuid.NewString(),
		Parents:   []string{root.ID},
		Author:    opts.Author,
		Timestamp: now,
	}
	view := View{ID: viewID, WorkingCopy: wc.ID, Heads: []string{wc.ID}}

	err = r.db.Update(func(txn *badger.Txn) error {
		if err := r.revisions.PutTxn(txn, root); err != nil {
			return err
		}
		if err := r.revisions.PutTxn(txn, wc); err != nil {
			return err
		}
		if err := r.views.PutTxn(txn, view); err != nil {
			return err
		}
		return r.recordOp(txn, "initialize repository", wc.ID)
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("writing initial revisions: %w", err)
	}
	return r, nil
}

// Open loads an existing repository. A missing control directory or view
// record is reported as an engine-open failure.
func Open(workDir string, opts Options) (*Repo, error) {
	info, err := os.Stat(filepath.Join(workDir, ControlDirName))
	if err != nil {
		return nil, tigerrors.EngineOpen(workDir, err)
	}
	if !info.IsDir() {
		return nil, tigerrors.EngineOpen(workDir, fmt.Errorf("%s is not a directory", ControlDirName))
	}

	r, err := openDB(workDir, opts)
	if err != nil {
		return nil, tigerrors.EngineOpen(workDir, err)
	}
	if _, err := r.views.Get(viewID); err != nil {
		r.Close()
		return nil, tigerrors.EngineOpen(workDir, fmt.Errorf("reading view: %w", err))
	}
	return r, nil
}

func openDB(workDir string, opts Options) (*Repo, error) {
	dbOpts := badger.DefaultOptions(filepath.Join(workDir, ControlDirName, dbDirName))
	dbOpts.Logger = nil

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	blobs, err := safe.New(db, opts.Safe)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	return &Repo{
		workDir:    workDir,
		opts:       opts,
		db:         db,
		blobs:      blobs,
		revisions:  storage.New[Revision](db, "rev"),
		views:      storage.New[View](db, "view"),
		operations: storage.New[Operation](db, "op"),
	}, nil
}

func (r *Repo) WorkDir() string {
	return r.workDir
}

func (r *Repo) Close() error {
	return r.db.Close()
}

// Operations returns the operation log, oldest first.
func (r *Repo) Operations() ([]Operation, error) {
	return r.operations.List()
}

func (r *Repo) recordOp(txn *badger.Txn, description, workingCopy string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating operation id: %w", err)
	}
	return r.operations.PutTxn(txn, Operation{
		ID:          id.String(),
		Description: description,
		WorkingCopy: workingCopy,
		Timestamp:   time.Now().UTC(),
	})
}

func (r *Repo) revision(txn *badger.Txn, id string) (Revision, error) {
	rev, err := r.revisions.GetTxn(txn, id)
	if errors.Is(err, storage.ErrNotFound) {
		return rev, tigerrors.RevisionNotFound(engine.RevisionID(id).Short())
	}
	if err != nil {
		return rev, tigerrors.IO("reading revision", err)
	}
	return rev, nil
}
