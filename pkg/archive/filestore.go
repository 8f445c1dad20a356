package archive

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

const recordExtension = ".json"

// validID accepts ids that map to exactly one file directly inside the archive directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return false
	}
	return filepath.Base(id) == id && !filepath.IsAbs(id)
}

// FileStore keeps one JSON file per conversation, named after its id.
// All file access goes through an os.Root confined to the archive directory.
type FileStore struct {
	dir       string
	root      *os.Root
	validator *recordValidator
	now       func() time.Time

	// defaultModel is given to records that were saved without one.
	defaultModel string
	create       func(name string) (io.WriteCloser, error)
}

type FileStoreOption func(*FileStore)

// WithClock overrides the time source used to stamp saves.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		s.now = now
	}
}

func WithDefaultModel(model string) FileStoreOption {
	return func(s *FileStore) {
		s.defaultModel = model
	}
}

func NewFileStore(dir string, options ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create archive directory %s", dir)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open archive directory %s", dir)
	}
	validator, err := newRecordValidator()
	if err != nil {
		_ = root.Close()
		return nil, err
	}

	ret := &FileStore{
		dir:       dir,
		root:      root,
		validator: validator,
		now:       time.Now,
		create: func(name string) (io.WriteCloser, error) {
			return root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		},
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Close() error {
	return s.root.Close()
}

func (s *FileStore) Save(ctx context.Context, c *conversation.Conversation) error {
	if err := checkID(c.ID()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	savedAt := s.now()
	record := NewRecord(c)
	record.Timestamp = Timestamp{savedAt}

	name := c.ID() + recordExtension
	f, err := s.create(name)
	if err != nil {
		return errors.Wrapf(err, "could not open %s", name)
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(record); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "could not write %s", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "could not write %s", name)
	}

	c.MarkSaved(savedAt)
	log.Debug().Str("conversation_id", c.ID()).Str("dir", s.dir).Msg("archived conversation")
	return nil
}

func (s *FileStore) readRecord(name string) (*Record, error) {
	f, err := s.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", name)
	}
	return s.validator.decode(data)
}

func (s *FileStore) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := s.readRecord(id + recordExtension)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "%s", id)
		}
		return nil, err
	}
	if record.ID != id {
		return nil, errors.Wrapf(ErrInvalidRecord, "file %s holds conversation %s", id+recordExtension, record.ID)
	}
	return record.Conversation(s.defaultModel)
}

func (s *FileStore) List(ctx context.Context) (*Listing, error) {
	dir, err := s.root.Open(".")
	if err != nil {
		return nil, errors.Wrap(err, "could not open archive directory")
	}
	defer func() {
		_ = dir.Close()
	}()

	dirEntries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, errors.Wrap(err, "could not read archive directory")
	}

	ret := &Listing{}
	var entries []Entry
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordExtension) {
			continue
		}

		record, err := s.readRecord(name)
		if err == nil && record.ID+recordExtension != name {
			err = errors.Wrapf(ErrInvalidRecord, "file holds conversation %s", record.ID)
		}
		if err == nil {
			_, err = record.Conversation(s.defaultModel)
		}
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable archive file")
			ret.Problems = append(ret.Problems, Problem{Source: name, Err: err})
			continue
		}
		entries = append(entries, record.Entry())
	}

	ret.Entries = normalize(entries)
	return ret, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := s.root.Remove(id + recordExtension); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrNotFound, "%s", id)
		}
		return errors.Wrapf(err, "could not delete %s", id)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
